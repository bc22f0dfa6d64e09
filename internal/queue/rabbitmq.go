package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/unity-scan/unity-scan-go/internal/retry"
)

const (
	// defaultHeartbeat 未配置时的心跳间隔
	defaultHeartbeat = 10 * time.Second
	// maxReconnectAttempts 单次重连的最大尝试次数
	maxReconnectAttempts = 10
	// reconnectSignalBuf 重连信号缓冲, 避免连续断连时丢信号
	reconnectSignalBuf = 10
)

// errNoChannel 连接断开或重连窗口期间 channel 不可用
var errNoChannel = errors.New("channel is nil")

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// url 拼接 AMQP 连接地址
func (c *RabbitMQConfig) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		c.User, c.Password, c.Host, c.Port, c.VHost)
}

// RabbitMQ RabbitMQ 客户端，承载扫描任务队列
type RabbitMQ struct {
	config        *RabbitMQConfig
	logger        *logrus.Logger
	queueName     string
	reconnect     chan bool
	prefetchCount int // 预取数量，应与 worker 数量匹配

	// 连接状态管理
	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建 RabbitMQ 客户端
func NewRabbitMQ(config *RabbitMQConfig, queueName string, logger *logrus.Logger) (*RabbitMQ, error) {
	return NewRabbitMQWithPrefetch(config, queueName, 1, logger)
}

// NewRabbitMQWithPrefetch 创建 RabbitMQ 客户端，支持自定义 prefetch count
// prefetchCount 应与 worker 数量匹配，以实现并行消费
func NewRabbitMQWithPrefetch(config *RabbitMQConfig, queueName string, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = defaultHeartbeat
	}

	mq := &RabbitMQ{
		config:        config,
		logger:        logger,
		queueName:     queueName,
		reconnect:     make(chan bool, reconnectSignalBuf),
		prefetchCount: prefetchCount,
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return mq, nil
}

// connect 建立连接, 声明队列并挂载关闭通知
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.url(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := mq.setupChannel(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	// 全部就绪后才替换字段, 失败时保留旧状态
	mq.conn = conn
	mq.channel = ch
	mq.connNotify = make(chan *amqp.Error, 1)
	mq.channelNotify = make(chan *amqp.Error, 1)
	conn.NotifyClose(mq.connNotify)
	ch.NotifyClose(mq.channelNotify)

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"heartbeat":      mq.config.Heartbeat,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// setupChannel 设置 QoS 并声明持久化任务队列
func (mq *RabbitMQ) setupChannel(ch *amqp.Channel) error {
	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err := ch.QueueDeclare(
		mq.queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// activeChannel 返回当前 channel, 重连窗口期间返回 errNoChannel
func (mq *RabbitMQ) activeChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, errNoChannel
	}
	return mq.channel, nil
}

// isClosed 报告客户端是否已主动关闭
func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// StartConnectionWatcher 启动连接监听器（持续监听，直到主动关闭）
// 同时监听 Connection 和 Channel 关闭事件
func (mq *RabbitMQ) StartConnectionWatcher() {
	go mq.watchClose()
}

func (mq *RabbitMQ) watchClose() {
	for {
		mq.mu.RLock()
		if mq.closed {
			mq.mu.RUnlock()
			mq.logger.Info("Connection watcher stopped: RabbitMQ client closed")
			return
		}
		connNotify := mq.connNotify
		channelNotify := mq.channelNotify
		mq.mu.RUnlock()

		// 任一关闭事件都触发重连; 重连成功后通知通道会被替换
		var (
			scope   string
			amqpErr *amqp.Error
			ok      bool
		)
		select {
		case amqpErr, ok = <-connNotify:
			scope = "connection"
		case amqpErr, ok = <-channelNotify:
			scope = "channel"
		}

		if !ok && mq.isClosed() {
			return
		}
		if amqpErr != nil {
			mq.logger.WithError(amqpErr).Errorf("RabbitMQ %s closed unexpectedly", scope)
		} else {
			mq.logger.Warnf("RabbitMQ %s closed", scope)
		}
		mq.triggerReconnect()
	}
}

// triggerReconnect 触发重连信号（非阻塞）
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
		mq.logger.Debug("Reconnect signal sent")
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 重新连接，线性退避直到达到最大尝试次数
func (mq *RabbitMQ) Reconnect() error {
	// 先关闭旧连接（忽略错误）
	mq.closeConnections()

	retryConfig := &retry.Config{
		MaxAttempts:     maxReconnectAttempts,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		Strategy:        retry.StrategyLinear,
		Logger:          mq.logger,
	}

	err := retry.Do(context.Background(), retryConfig, func(ctx context.Context) error {
		return mq.connect()
	})
	if err != nil {
		return fmt.Errorf("failed to reconnect after %d attempts: %w", maxReconnectAttempts, err)
	}

	mq.logger.Info("Successfully reconnected to RabbitMQ")
	return nil
}

// closeConnections 关闭现有连接（不设置 closed 标志）
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	ch, conn := mq.channel, mq.conn
	mq.channel, mq.conn = nil, nil
	mq.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// Publish 以持久化消息发布到任务队列
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.activeChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		"",           // exchange
		mq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 以手动确认模式消费任务队列
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.activeChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(
		mq.queueName,
		"",    // consumer tag
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return msgs, nil
}

// GetQueueStats 获取队列消息数与消费者数
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	ch, err := mq.activeChannel()
	if err != nil {
		return 0, 0, err
	}

	queue, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, 0, err
	}

	return queue.Messages, queue.Consumers, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	ch, conn := mq.channel, mq.conn
	mq.channel, mq.conn = nil, nil
	mq.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close connection")
		}
	}

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// GetReconnectChan 获取重连信号通道
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// PurgeQueue 清空队列中的所有消息
// 服务启动时调用，确保队列与数据库中的任务状态一致
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	ch, err := mq.activeChannel()
	if err != nil {
		return 0, err
	}

	count, err := ch.QueuePurge(mq.queueName, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	mq.logger.WithFields(logrus.Fields{
		"queue":        mq.queueName,
		"purged_count": count,
	}).Info("Queue purged successfully")

	return count, nil
}
