package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unity-scan/unity-scan-go/internal/config"
	"github.com/unity-scan/unity-scan-go/internal/repository"
)

// 手动执行数据库迁移: 建表与补齐新增列
// 服务启动时也会自动迁移, 此命令用于部署前单独跑一遍
func main() {
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	// InitDB 内部执行 AutoMigrate (scan_tasks / task_matches)
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	fmt.Println("✓ Migration completed successfully")
}
