package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/unity-scan/unity-scan-go/internal/api/handlers"
	"github.com/unity-scan/unity-scan-go/internal/config"
	"github.com/unity-scan/unity-scan-go/internal/middleware"
	"github.com/unity-scan/unity-scan-go/internal/queue"
	"github.com/unity-scan/unity-scan-go/internal/repository"
	"github.com/unity-scan/unity-scan-go/internal/service"
)

func SetupRouter(cfg *config.Config, logger *logrus.Logger, db *gorm.DB, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics, producer *queue.Producer, progressHandler *handlers.ProgressHandler) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	// 初始化依赖
	taskRepo := repository.NewTaskRepository(db, logger)
	taskService := service.NewTaskService(taskRepo, logger)

	// producer 为 nil 时重新扫描只重置状态, 不直接入队
	var publisher handlers.ScanPublisher
	if producer != nil {
		publisher = producer
	}

	// 初始化处理器
	taskHandler := handlers.NewTaskHandler(taskService, publisher, logger)
	fileHandler := handlers.NewFileHandler(logger, cfg.APKDir, promMetrics)
	// progressHandler 已在main.go中创建并接入扫描协调器，直接使用

	// 扫描进度 WebSocket (浏览器 WebSocket 无法携带认证头, 置于认证范围外)
	r.GET("/ws/progress/:task_id", progressHandler.HandleWebSocket)

	// 性能监控端点 (仅在非生产环境)
	if cfg.Server.Mode != "release" {
		middleware.RegisterPprof(r)
		logger.Info("pprof endpoints registered at /debug/pprof/*")
	}

	// 内存监控端点
	r.GET("/metrics", memMonitor.MetricsEndpoint())
	r.POST("/debug/gc", middleware.ForceGC())

	// Prometheus 指标端点
	if promMetrics != nil {
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	// API v1
	v1 := r.Group("/api")

	// 健康检查（无需认证, 在认证中间件之前注册）
	v1.GET("/health", func(c *gin.Context) {
		res := gin.H{
			"status":  "ok",
			"version": "1.0.0",
		}
		if producer != nil {
			res["queue_connected"] = producer.IsConnected()
		}
		c.JSON(200, res)
	})

	v1.Use(middleware.AuthMiddleware(cfg.Auth))
	{
		// 系统统计
		v1.GET("/stats", taskHandler.GetSystemStats)
		v1.GET("/versions", taskHandler.GetVersionStats)

		// 任务管理
		v1.GET("/tasks", taskHandler.ListTasks)
		v1.GET("/tasks/export", taskHandler.ExportTasks)        // 导出任务（不分页，最大10000条）
		v1.GET("/tasks/queued", taskHandler.ListQueuedTasks)    // 获取所有排队任务（不分页）
		v1.DELETE("/tasks/batch", taskHandler.BatchDeleteTasks) // 批量删除必须在 :id 之前
		v1.GET("/tasks/:id", taskHandler.GetTask)
		v1.DELETE("/tasks/:id", taskHandler.DeleteTask)
		v1.POST("/tasks/:id/stop", taskHandler.StopTask)
		v1.POST("/tasks/:id/rescan", taskHandler.RescanTask)

		// 文件服务
		v1.POST("/upload", fileHandler.UploadAPK)            // 单个 APK 上传
		v1.POST("/upload/batch", fileHandler.UploadAPKBatch) // 批量 APK 上传
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// WebSocket 连接随扫描存活, 关闭时的完成日志没有参考价值
		if strings.HasPrefix(c.Request.URL.Path, "/ws/") {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(start).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
