package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unity-scan/unity-scan-go/internal/config"
	"github.com/unity-scan/unity-scan-go/internal/domain"
	"github.com/unity-scan/unity-scan-go/internal/queue"
	"github.com/unity-scan/unity-scan-go/internal/repository"
	"github.com/unity-scan/unity-scan-go/internal/service"
)

// 重新扫描未识别出版本的已完成任务
//
// 签名规则更新后执行, 把已完成但未识别为 Unity 或未提取到版本号的
// 任务重新入队, 用新规则再扫一遍
//
// 用法: reanalyze [--config path]
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

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	mqConfig := &queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}
	mq, err := queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.Queue, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	producer := queue.NewProducer(mq, logger)
	taskRepo := repository.NewTaskRepository(db, logger)
	taskService := service.NewTaskService(taskRepo, logger)

	// 已完成但没有版本结论的任务
	var tasks []domain.Task
	result := db.Where("status = ? AND (is_unity = ? OR unity_version = '')",
		domain.TaskStatusCompleted, false).
		Order("created_at ASC").
		Find(&tasks)
	if result.Error != nil {
		log.Fatalf("Failed to query tasks: %v", result.Error)
	}

	fmt.Printf("找到 %d 个无版本结论的已完成任务\n", len(tasks))

	ctx := context.Background()
	successCount := 0
	for i, task := range tasks {
		fmt.Printf("[%d/%d] 🔄 重新扫描 %s\n", i+1, len(tasks), task.APKName)

		if _, err := taskService.RescanTask(ctx, task.ID); err != nil {
			log.Printf("❌ Failed to reset task %s: %v", task.ID, err)
			continue
		}

		msg := &queue.ScanMessage{
			TaskID:  task.ID,
			APKName: task.APKName,
			APKPath: task.APKPath,
		}
		if err := producer.PublishScan(ctx, msg); err != nil {
			log.Printf("❌ Failed to publish task %s: %v", task.ID, err)
			continue
		}
		successCount++
	}

	fmt.Printf("\n完成: %d/%d 个任务重新入队\n", successCount, len(tasks))
}
