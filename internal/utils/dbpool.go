package utils

import (
	"time"

	"gorm.io/gorm"
)

// apiConnHeadroom 为API查询与指标采集预留的连接数
const apiConnHeadroom = 16

// OptimizeDBPool 按扫描worker数量调整数据库连接池
// 每个worker同一时刻至多占用一个连接 (状态/进度/结果写入串行),
// 其余连接留给API与监控查询
func OptimizeDBPool(db *gorm.DB, workerCount int) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if workerCount < 1 {
		workerCount = 1
	}

	maxOpen := workerCount + apiConnHeadroom
	maxIdle := workerCount
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)

	// 连接定期轮换, 避免数据库侧空闲超时断连
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	return nil
}
