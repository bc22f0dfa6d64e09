package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// workerDrainTimeout 重连/停止时等待在途扫描结束的上限
const workerDrainTimeout = 30 * time.Second

// ScanHandler 扫描任务处理函数
type ScanHandler func(ctx context.Context, msg *ScanMessage) error

// Consumer 扫描队列消费者
// 每个worker串行处理投递; 失败的扫描不重新入队, 重扫通过API触发
type Consumer struct {
	mq            *RabbitMQ
	logger        *logrus.Logger
	handler       ScanHandler
	workerCount   int
	activeWorkers int32
	workerWg      sync.WaitGroup

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler ScanHandler, workerCount int, logger *logrus.Logger) *Consumer {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Consumer{
		mq:          mq,
		logger:      logger,
		handler:     handler,
		workerCount: workerCount,
	}
}

// Start 开始消费扫描队列
// 重复调用无效果; 连接断开时自动重连并重启worker
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}
	c.running = true
	c.mu.Unlock()

	msgs, err := c.mq.Consume()
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	for i := 0; i < c.workerCount; i++ {
		c.workerWg.Add(1)
		go c.runWorker(workerCtx, i, msgs)
	}
	c.logger.WithField("workers", c.workerCount).Info("Consumer started")

	c.mq.StartConnectionWatcher()
	go c.watchReconnect(ctx)

	return nil
}

// runWorker 逐条取投递并处理, 直到上下文结束或投递通道关闭
func (c *Consumer) runWorker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	log := c.logger.WithField("worker_id", id)
	log.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("Worker stopped")
			return
		case delivery, ok := <-msgs:
			if !ok {
				log.Warn("Delivery channel closed")
				return
			}
			c.handleDelivery(ctx, id, delivery)
		}
	}
}

// handleDelivery 处理单条投递
// 无法解析或扫描失败都Nack且不重新入队: 失败原因已写入任务记录
func (c *Consumer) handleDelivery(ctx context.Context, workerID int, delivery amqp.Delivery) {
	var msg ScanMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal scan message")
		delivery.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"task_id":   msg.TaskID,
		"apk_name":  msg.APKName,
	})
	log.Info("Processing scan task")

	start := time.Now()
	if err := c.handler(ctx, &msg); err != nil {
		log.WithError(err).Error("Scan task failed")
		delivery.Nack(false, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(start).Seconds()).Info("Scan task completed")
}

// watchReconnect 监听重连信号: 先排空worker, 重连成功后重启消费
func (c *Consumer) watchReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				return
			}

			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.drainWorkers()

			if err := c.mq.Reconnect(); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}

			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			if err := c.Start(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// drainWorkers 取消worker上下文并等待在途任务结束
func (c *Consumer) drainWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All workers stopped gracefully")
	case <-time.After(workerDrainTimeout):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// Stop 停止消费者并等待在途任务结束
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")

	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	c.workerWg.Wait()
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 当前活跃worker数量
func (c *Consumer) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 消费者是否运行中
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
