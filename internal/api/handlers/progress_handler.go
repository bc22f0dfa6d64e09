package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ProgressHandler 扫描进度WebSocket推送
// 订阅 /ws/progress/:task_id 接收指定任务的进度, task_id 为 "all" 时接收全部任务
type ProgressHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[string]map[*websocket.Conn]bool
	clientMutex sync.RWMutex
	broadcast   chan ProgressMessage
}

// ProgressMessage 进度推送消息
type ProgressMessage struct {
	TaskID     string `json:"task_id"`
	Kind       string `json:"kind"` // progress, status, result
	Status     string `json:"status,omitempty"`
	Step       string `json:"step,omitempty"`
	Percent    int    `json:"percent,omitempty"`
	IsUnity    *bool  `json:"is_unity,omitempty"`
	Version    string `json:"version,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// NewProgressHandler 创建进度推送处理器
func NewProgressHandler(logger *logrus.Logger) *ProgressHandler {
	return &ProgressHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
		clients:   make(map[string]map[*websocket.Conn]bool),
		broadcast: make(chan ProgressMessage, 100),
	}
}

// Start 启动广播服务
func (h *ProgressHandler) Start() {
	go h.runBroadcaster()
}

// runBroadcaster 运行广播器
func (h *ProgressHandler) runBroadcaster() {
	for msg := range h.broadcast {
		var dead []*websocket.Conn

		h.clientMutex.RLock()
		for key, conns := range h.clients {
			// 只发送给对应任务的客户端, "all" 订阅者收到全部任务
			if key != msg.TaskID && key != "all" {
				continue
			}
			for conn := range conns {
				if err := conn.WriteJSON(msg); err != nil {
					h.logger.WithError(err).Warn("Failed to write to WebSocket client")
					dead = append(dead, conn)
				}
			}
		}
		h.clientMutex.RUnlock()

		if len(dead) > 0 {
			h.clientMutex.Lock()
			for _, conn := range dead {
				conn.Close()
				for _, conns := range h.clients {
					delete(conns, conn)
				}
			}
			h.clientMutex.Unlock()
		}
	}
}

// HandleWebSocket 处理WebSocket连接
// GET /ws/progress/:task_id
func (h *ProgressHandler) HandleWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		taskID = "all" // 默认订阅全部任务
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	// 注册客户端（同一任务支持多个订阅者）
	h.clientMutex.Lock()
	if h.clients[taskID] == nil {
		h.clients[taskID] = make(map[*websocket.Conn]bool)
	}
	h.clients[taskID][conn] = true
	h.clientMutex.Unlock()

	h.logger.WithField("task_id", taskID).Info("WebSocket client connected")

	// 保持连接, 客户端不需要发送消息
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	// 清理断开的连接
	h.clientMutex.Lock()
	delete(h.clients[taskID], conn)
	if len(h.clients[taskID]) == 0 {
		delete(h.clients, taskID)
	}
	h.clientMutex.Unlock()

	h.logger.WithField("task_id", taskID).Info("WebSocket client disconnected")
}

// BroadcastProgress 广播进度更新（供扫描协调器调用）
func (h *ProgressHandler) BroadcastProgress(taskID string, status string, step string, percent int) {
	msg := ProgressMessage{
		TaskID:    taskID,
		Kind:      "progress",
		Status:    status,
		Step:      step,
		Percent:   percent,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}

// BroadcastStatus 广播状态变更（失败/取消等终态）
func (h *ProgressHandler) BroadcastStatus(taskID string, status string) {
	msg := ProgressMessage{
		TaskID:    taskID,
		Kind:      "status",
		Status:    status,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}

// BroadcastResult 广播扫描结果
func (h *ProgressHandler) BroadcastResult(taskID string, isUnity bool, version string, confidence string) {
	msg := ProgressMessage{
		TaskID:     taskID,
		Kind:       "result",
		IsUnity:    &isUnity,
		Version:    version,
		Confidence: confidence,
		Timestamp:  time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}
