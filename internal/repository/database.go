package repository

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unity-scan/unity-scan-go/internal/config"
	"github.com/unity-scan/unity-scan-go/internal/domain"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// defaultSQLitePath 未配置 DBName 时的本地库路径
const defaultSQLitePath = "./data/tasks.db"

// buildDialector 按配置类型选择数据库方言, 非 mysql 一律回退 SQLite
func buildDialector(cfg *config.DatabaseConfig) gorm.Dialector {
	if cfg.Type == "mysql" {
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
		return mysql.Open(dsn)
	}

	name := cfg.DBName
	if name == "" {
		name = defaultSQLitePath
	}
	return sqlite.Open(name)
}

// InitDB 初始化数据库连接并迁移表结构
func InitDB(cfg *config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(buildDialector(cfg), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 关闭 SQL 日志
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		PrepareStmt: true, // 预编译 SQL
	})
	if err != nil {
		return nil, err
	}

	// 启动期默认连接池参数; server 启动后按 worker 并发重新定容
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db, log); err != nil {
		return nil, err
	}

	return db, nil
}

// autoMigrate 自动迁移数据库表结构
func autoMigrate(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	if err := db.AutoMigrate(
		&domain.Task{},
		&domain.TaskMatch{},
	); err != nil {
		return err
	}

	log.Info("Database migrations completed")
	return nil
}
