package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/unity-scan/unity-scan-go/internal/api"
	"github.com/unity-scan/unity-scan-go/internal/api/handlers"
	"github.com/unity-scan/unity-scan-go/internal/config"
	"github.com/unity-scan/unity-scan-go/internal/domain"
	"github.com/unity-scan/unity-scan-go/internal/middleware"
	"github.com/unity-scan/unity-scan-go/internal/queue"
	"github.com/unity-scan/unity-scan-go/internal/repository"
	"github.com/unity-scan/unity-scan-go/internal/retry"
	"github.com/unity-scan/unity-scan-go/internal/service"
	"github.com/unity-scan/unity-scan-go/internal/unity"
	"github.com/unity-scan/unity-scan-go/internal/utils"
	"github.com/unity-scan/unity-scan-go/internal/watcher"
	"github.com/unity-scan/unity-scan-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// maxStartupRequeue 服务重启恢复时，同一任务允许被重新入队的最大次数
// 超过后标记为失败（反复中断意味着该任务本身可能导致进程异常退出）
const maxStartupRequeue = 3

func main() {
	// 1. 打印版本信息
	fmt.Printf("Unity Version Scanner - Go Edition\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting Unity Version Scanner %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 4. 初始化数据库（带重试，容器编排下数据库可能晚于本服务就绪）
	dbRetryCfg := &retry.Config{
		MaxAttempts:     5,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        retry.StrategyExponential,
		Logger:          logger,
	}
	db, err := retry.DoWithResult(context.Background(), dbRetryCfg, func(ctx context.Context) (*gorm.DB, error) {
		return repository.InitDB(&cfg.Database, logger)
	})
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	workerCount := cfg.Worker.Concurrency
	if workerCount <= 0 {
		workerCount = 1
	}

	// 优化数据库连接池（按 worker 并发量定容）
	if err := utils.OptimizeDBPool(db, workerCount); err != nil {
		logger.WithError(err).Warn("Failed to optimize DB pool")
	} else {
		logger.Info("Database connection pool optimized")
	}

	// 5. 初始化 RabbitMQ
	// 使用 NewRabbitMQWithPrefetch，prefetch count = worker concurrency，以支持并行消费
	mqConfig := &queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}
	mq, err := queue.NewRabbitMQWithPrefetch(mqConfig, cfg.RabbitMQ.Queue, workerCount, logger)
	if err != nil {
		logger.Fatalf("Failed to init RabbitMQ: %v", err)
	}
	defer mq.Close()
	logger.WithField("prefetch_count", workerCount).Info("RabbitMQ connected successfully")

	// 6. 初始化 Repository / Service
	taskRepo := repository.NewTaskRepository(db, logger)
	taskService := service.NewTaskService(taskRepo, logger)

	// 7. 初始化扫描进度 WebSocket 处理器
	// 注意：必须在 Orchestrator 之前创建（Orchestrator 通过它推送进度）
	progressHandler := handlers.NewProgressHandler(logger)
	progressHandler.Start()
	logger.Info("Progress handler started for real-time scan updates")

	// 8. 初始化 Prometheus 指标
	promMetrics := middleware.NewPrometheusMetrics(logger, "unity_scan")
	logger.Info("Prometheus metrics initialized")

	// 9. 初始化核心编排器 (Orchestrator)
	orchestrator := worker.NewOrchestrator(taskRepo, &cfg.Scan, logger)
	orchestrator.SetProgressBroadcaster(progressHandler)
	logger.WithFields(logrus.Fields{
		"deep_scan_byte_ceiling_mb": cfg.Scan.DeepScanByteCeilingMB,
		"primary_threshold":         cfg.Scan.PrimaryConfidenceThreshold,
	}).Info("Orchestrator initialized")

	// 10. 初始化 Worker Pool
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, orchestrator, logger)
	workerPool.Start(context.Background())
	defer workerPool.Stop()
	logger.Infof("Worker pool started with %d workers", workerCount)

	// 11. 启动内存监控（采样同时推送 Prometheus 内存指标）
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, promMetrics)
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	// 12. 初始化消息队列 Producer
	producer := queue.NewProducer(mq, logger)

	// 12.1 恢复上次运行遗留的任务（服务重启后以数据库为准重建队列）
	if err := recoverInterruptedTasks(taskRepo, mq, producer, logger); err != nil {
		logger.WithError(err).Warn("Failed to recover interrupted tasks")
	}

	// 13. 启动任务消费者 (从 RabbitMQ 读取任务并提交到 Worker Pool)
	consumer := queue.NewConsumer(mq, createScanHandler(workerPool, taskRepo, promMetrics, logger), workerCount, logger)
	if err := consumer.Start(context.Background()); err != nil {
		logger.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()
	logger.Infof("Scan consumer started with %d workers", workerCount)

	// 14. 启动文件监控（可配置关闭，纯 API 部署场景不需要）
	if cfg.Watcher.Enabled {
		fileWatcher, err := watcher.NewFileWatcher(cfg.APKDir, "*.apk", cfg.Watcher, createFileHandler(taskService, producer, promMetrics, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.APKDir)
	} else {
		logger.Info("File watcher disabled by config")
	}

	// 15. 启动 Prometheus 指标更新协程
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			// 更新数据库连接统计
			sqlDB, err := db.DB()
			if err == nil {
				dbStats := sqlDB.Stats()
				promMetrics.UpdateDBStats(dbStats.OpenConnections, dbStats.Idle, dbStats.InUse)
			}

			// 更新 Worker Pool 统计
			promMetrics.UpdateWorkerPoolStats(workerCount, consumer.GetActiveWorkers(), workerPool.GetQueueSize())

			// 更新 RabbitMQ 队列深度
			if depth, err := producer.GetQueueSize(); err == nil {
				promMetrics.UpdateQueueDepth(depth)
			}
		}
	}()

	// 16. 设置 HTTP Server
	router := api.SetupRouter(cfg, logger, db, memMonitor, promMetrics, producer, progressHandler)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 10分钟，支持大文件上传
		WriteTimeout: 5 * time.Minute,  // 5分钟，支持大文件导出
		IdleTimeout:  120 * time.Second,
	}

	// 17. 启动 HTTP Server
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 18. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 19. 优雅关闭 (30秒超时)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止 HTTP Server
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	// 关闭数据库连接
	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("Server stopped")
}

// createScanHandler 创建扫描处理器 (从 RabbitMQ 消息提交到 Worker Pool)
// 扫描结果由 Orchestrator 写库，这里负责围绕一次扫描记录 Prometheus 指标
func createScanHandler(workerPool *worker.Pool, taskRepo repository.TaskRepository, promMetrics *middleware.PrometheusMetrics, logger *logrus.Logger) queue.ScanHandler {
	return func(ctx context.Context, msg *queue.ScanMessage) error {
		logger.WithFields(logrus.Fields{
			"task_id":  msg.TaskID,
			"apk_name": msg.APKName,
			"apk_path": msg.APKPath,
		}).Info("Received scan task from RabbitMQ, submitting to worker pool")

		promMetrics.RecordScanStarted()
		startedAt := time.Now()

		job := &worker.ScanJob{
			ID:      msg.TaskID,
			APKName: msg.APKName,
			APKPath: msg.APKPath,
		}

		scanErr := workerPool.SubmitAndWait(ctx, job)
		duration := time.Since(startedAt)

		// 以数据库中的任务终态为准记录指标（Orchestrator 已写入结果）
		task, err := taskRepo.FindByID(context.Background(), msg.TaskID)
		if err != nil {
			logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to reload task after scan")
			return scanErr
		}

		switch task.Status {
		case domain.TaskStatusCompleted:
			promMetrics.RecordScanCompleted(duration, task.UsedDeepScan)
			promMetrics.RecordScanBytes(task.BytesRead)
			if task.IsUnity {
				promMetrics.RecordUnityDetected(task.Confidence, unity.Generation(task.UnityVersion))
			}
			logger.WithFields(logrus.Fields{
				"task_id":       msg.TaskID,
				"is_unity":      task.IsUnity,
				"unity_version": task.UnityVersion,
				"duration_ms":   duration.Milliseconds(),
			}).Info("Scan task completed")

		case domain.TaskStatusCancelled:
			promMetrics.RecordScanCancelled(duration)
			logger.WithField("task_id", msg.TaskID).Info("Scan task cancelled")

		case domain.TaskStatusFailed:
			promMetrics.RecordScanFailed(duration, string(task.FailureType))
			logger.WithFields(logrus.Fields{
				"task_id":      msg.TaskID,
				"failure_type": string(task.FailureType),
			}).Warn("Scan task failed")

		default:
			// 非终态：进程即将关闭导致扫描被打断，留给下次启动的恢复流程处理
			logger.WithFields(logrus.Fields{
				"task_id": msg.TaskID,
				"status":  string(task.Status),
			}).Warn("Scan task interrupted before reaching terminal state")
		}

		return scanErr
	}
}

// createFileHandler 创建文件处理器（新 APK 落盘 → 创建任务 → 入队）
func createFileHandler(taskService service.TaskService, producer *queue.Producer, promMetrics *middleware.PrometheusMetrics, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)
		logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"file_name": fileName,
		}).Info("New APK file detected")

		// 1. 创建任务（60秒窗口内的重复文件事件会被拒绝）
		task, err := taskService.CreateTask(ctx, fileName, filePath)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		promMetrics.RecordAPKReceived("watcher")

		// 2. 发布到消息队列
		msg := &queue.ScanMessage{
			TaskID:  task.ID,
			APKName: fileName,
			APKPath: filePath,
		}

		if err := producer.PublishScan(ctx, msg); err != nil {
			return fmt.Errorf("failed to publish scan task: %w", err)
		}
		promMetrics.RecordScanQueued()

		logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"apk_name": fileName,
		}).Info("Task created and published to queue")

		return nil
	}
}

// recoverInterruptedTasks 恢复上次运行遗留的任务
// 服务重启后，以数据库为唯一真实数据源，重建 RabbitMQ 队列：
//  1. 清空队列中的残留消息
//  2. queued 任务直接重新投递
//  3. 执行中被打断的任务（opening/scanning/deep_scanning）重置后重新投递，
//     超过重启恢复次数上限的标记为失败
func recoverInterruptedTasks(taskRepo repository.TaskRepository, mq *queue.RabbitMQ, producer *queue.Producer, logger *logrus.Logger) error {
	logger.Info("Rebuilding RabbitMQ queue from database (single source of truth)...")
	ctx := context.Background()

	// 1. 先清空队列，确保没有残留的重复/过期消息
	purgedCount, err := mq.PurgeQueue()
	if err != nil {
		logger.WithError(err).Warn("Failed to purge queue, continuing with republish...")
	} else if purgedCount > 0 {
		logger.WithField("purged_count", purgedCount).Info("Cleared stale messages from queue")
	}

	// 2. 查找所有未完成的任务
	activeTasks, err := taskRepo.ListActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active tasks: %w", err)
	}

	if len(activeTasks) == 0 {
		logger.Info("No unfinished tasks found, queue is empty and clean")
		return nil
	}

	logger.Infof("Found %d unfinished tasks in database, recovering...", len(activeTasks))

	requeued := 0
	abandoned := 0
	for _, task := range activeTasks {
		if task.Status != domain.TaskStatusQueued {
			// 执行中被打断的任务：计入重启恢复次数，超限则放弃
			retryCount, err := taskRepo.IncrementRetryCount(ctx, task.ID)
			if err != nil {
				logger.WithError(err).WithField("task_id", task.ID).Error("Failed to increment retry count")
				continue
			}
			if retryCount > maxStartupRequeue {
				if err := taskRepo.UpdateFailure(ctx, task.ID, domain.FailureTypeInternal, "服务重启，任务中断"); err != nil {
					logger.WithError(err).WithField("task_id", task.ID).Error("Failed to mark interrupted task as failed")
					continue
				}
				abandoned++
				logger.WithFields(logrus.Fields{
					"task_id":     task.ID,
					"retry_count": retryCount,
				}).Warn("⚠️ Interrupted task exceeded startup requeue limit, marked as failed")
				continue
			}
			if err := taskRepo.ResetForRetry(ctx, task.ID); err != nil {
				logger.WithError(err).WithField("task_id", task.ID).Error("Failed to reset interrupted task")
				continue
			}
		}

		msg := &queue.ScanMessage{
			TaskID:  task.ID,
			APKName: task.APKName,
			APKPath: task.APKPath,
		}
		if err := producer.PublishScan(ctx, msg); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Error("Failed to republish task")
			continue
		}
		requeued++
		logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"apk_name": task.APKName,
			"status":   string(task.Status),
		}).Debug("Task republished to queue")
	}

	logger.WithFields(logrus.Fields{
		"total":     len(activeTasks),
		"requeued":  requeued,
		"abandoned": abandoned,
	}).Info("✅ Task recovery finished")

	return nil
}
