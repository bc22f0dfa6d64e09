package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unity-scan/unity-scan-go/internal/retry"
)

// ScanMessage 扫描任务消息
type ScanMessage struct {
	TaskID  string `json:"task_id"`
	APKName string `json:"apk_name"`
	APKPath string `json:"apk_path"`
}

// Producer 消息生产者
type Producer struct {
	mq     *RabbitMQ
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		logger: logger,
	}
}

// PublishScan 发布扫描任务消息
// 重连窗口期间 channel 可能暂时不可用，发布失败时短暂重试
func (p *Producer) PublishScan(ctx context.Context, msg *ScanMessage) error {
	// 序列化消息
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	retryConfig := &retry.Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Strategy:        retry.StrategyFixed,
		Logger:          p.logger,
	}

	// 发布到队列
	err = retry.Do(ctx, retryConfig, func(ctx context.Context) error {
		return p.mq.Publish(ctx, body)
	})
	if err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish scan task")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":  msg.TaskID,
		"apk_name": msg.APKName,
	}).Info("Scan task published to queue")

	return nil
}

// GetQueueSize 获取队列大小
func (p *Producer) GetQueueSize() (int, error) {
	messageCount, _, err := p.mq.GetQueueStats()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return messageCount, nil
}

// IsConnected 报告底层 MQ 连接是否可用
func (p *Producer) IsConnected() bool {
	return p.mq.IsConnected()
}
