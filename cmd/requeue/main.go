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

// 重新入队失败任务: 重置状态并重新发布到 RabbitMQ
//
// 默认只处理失败类型允许重试的任务 (环境/程序类故障);
// 文件本身损坏的任务重扫没有意义, 需要 -all 强制包含
//
// 用法: requeue [--config path] [-all]
func main() {
	configPath := "./configs/config.yaml"
	includeAll := false
	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--config":
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				i++
			}
		case "-all", "--all":
			includeAll = true
		}
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

	// 查询所有失败的任务
	var failedTasks []domain.Task
	result := db.Where("status = ?", domain.TaskStatusFailed).
		Order("created_at ASC").
		Find(&failedTasks)
	if result.Error != nil {
		log.Fatalf("Failed to query failed tasks: %v", result.Error)
	}

	fmt.Printf("找到 %d 个失败任务\n", len(failedTasks))

	ctx := context.Background()
	successCount := 0
	skippedCount := 0
	for i, task := range failedTasks {
		if !includeAll && !task.FailureType.CanRetry() {
			skippedCount++
			fmt.Printf("[%d/%d] ⏭ 跳过 %s (%s: %s)\n",
				i+1, len(failedTasks), task.APKName, task.FailureType, task.FailureType.GetDisplayName())
			continue
		}

		// 重置任务状态
		if _, err := taskService.RescanTask(ctx, task.ID); err != nil {
			log.Printf("❌ Failed to reset task %s: %v", task.ID, err)
			continue
		}

		// 重新发布到消息队列
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
		fmt.Printf("[%d/%d] ✅ 重新入队 %s (task_id=%s)\n", i+1, len(failedTasks), task.APKName, task.ID)
	}

	fmt.Printf("\n完成: %d 个任务重新入队, %d 个跳过, %d 个失败\n",
		successCount, skippedCount, len(failedTasks)-successCount-skippedCount)
}
