package middleware

import (
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	// defaultMonitorInterval 未配置时的采样周期
	defaultMonitorInterval = 30 * time.Second
	// highAllocWarnMB 常驻分配超过该值时告警, 并发深度扫描的读取缓冲可能堆积
	highAllocWarnMB = 512
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	TotalAlloc uint64 `json:"total_alloc"` // 累计分配的内存
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`      // GC 次数
	Goroutines int    `json:"goroutines"`  // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`    // 当前分配 (MB)
	SysMB      uint64 `json:"sys_mb"`      // 系统内存 (MB)
}

// snapshotMemory 采样当前运行时内存
func snapshotMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return MemoryStats{
		Alloc:      ms.Alloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}
}

// MemoryMonitor 内存监控器
// 周期采样运行时内存并同步到 Prometheus 指标
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics // 可为 nil
	interval time.Duration
	stopChan chan struct{}

	mutex sync.RWMutex
	stats MemoryStats
}

// NewMemoryMonitor 创建内存监控器
func NewMemoryMonitor(logger *logrus.Logger, interval time.Duration, metrics *PrometheusMetrics) *MemoryMonitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start 启动内存监控
func (m *MemoryMonitor) Start() {
	go m.monitor()
}

// Stop 停止内存监控
func (m *MemoryMonitor) Stop() {
	close(m.stopChan)
}

// monitor 监控循环
func (m *MemoryMonitor) monitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			stats := snapshotMemory()

			m.mutex.Lock()
			m.stats = stats
			m.mutex.Unlock()

			m.logStats(stats)
			if m.metrics != nil {
				m.metrics.UpdateMemoryStats(stats)
			}
		}
	}
}

// logStats 记录统计信息
func (m *MemoryMonitor) logStats(stats MemoryStats) {
	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	if stats.AllocMB > highAllocWarnMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": stats.AllocMB,
			"sys_mb":   stats.SysMB,
		}).Warn("High memory usage detected")
	}
}

// GetStats 获取最近一次采样
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// MetricsEndpoint 创建 Metrics 端点
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"memory": m.GetStats(),
		})
	}
}

// ForceGC 手动触发 GC
func ForceGC() gin.HandlerFunc {
	return func(c *gin.Context) {
		runtime.GC()
		c.JSON(200, gin.H{
			"message": "GC triggered successfully",
		})
	}
}
