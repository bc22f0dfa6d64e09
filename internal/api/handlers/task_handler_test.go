package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/unity-scan/unity-scan-go/internal/domain"
	"github.com/unity-scan/unity-scan-go/internal/queue"
)

// MockTaskService Mock Service
type MockTaskService struct {
	mock.Mock
}

func (m *MockTaskService) CreateTask(ctx context.Context, apkName string, apkPath string) (*domain.Task, error) {
	args := m.Called(apkName, apkPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskService) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	args := m.Called(taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskService) ListTasks(ctx context.Context, limit int) ([]*domain.Task, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Task), args.Error(1)
}

func (m *MockTaskService) ListTasksWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.Task, int64, error) {
	args := m.Called(page, pageSize)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Task), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskService) ListTasksWithSearch(ctx context.Context, page int, pageSize int, excludeStatus string, statusFilter string, search string) ([]*domain.Task, int64, error) {
	args := m.Called(page, pageSize, excludeStatus, statusFilter, search)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Task), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskService) DeleteTask(ctx context.Context, taskID string) error {
	args := m.Called(taskID)
	return args.Error(0)
}

func (m *MockTaskService) CancelTask(ctx context.Context, taskID string) error {
	args := m.Called(taskID)
	return args.Error(0)
}

func (m *MockTaskService) RescanTask(ctx context.Context, taskID string) (*domain.Task, error) {
	args := m.Called(taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskService) BatchDeleteTasks(ctx context.Context, taskIDs []string, status string, beforeDays int) (int64, error) {
	args := m.Called(taskIDs, status, beforeDays)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockTaskService) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	args := m.Called(taskID, status)
	return args.Error(0)
}

func (m *MockTaskService) UpdateTaskProgress(ctx context.Context, taskID string, step string, percent int) error {
	args := m.Called(taskID, step, percent)
	return args.Error(0)
}

func (m *MockTaskService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskService) GetVersionCounts(ctx context.Context) (map[string]int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

// MockScanPublisher Mock 扫描消息发布
type MockScanPublisher struct {
	mock.Mock
}

func (m *MockScanPublisher) PublishScan(ctx context.Context, msg *queue.ScanMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}

// setupTestRouter 设置测试路由
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func testHandlerLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// unityTask 构造一个已完成的Unity识别任务
func unityTask(id string) *domain.Task {
	now := time.Now()
	return &domain.Task{
		ID:              id,
		APKName:         "game.apk",
		APKPath:         "/data/apks/game.apk",
		FileSize:        1024 * 1024,
		Status:          domain.TaskStatusCompleted,
		CreatedAt:       now.Add(-time.Minute),
		StartedAt:       &now,
		CompletedAt:     &now,
		ProgressPercent: 100,
		IsUnity:         true,
		UnityVersion:    "2021.3.1f1",
		MatchedEntry:    "assets/bin/Data/globalgamemanagers",
		Confidence:      "high",
		Score:           0.95,
		BytesRead:       4096,
		DurationMs:      120,
		Matches: []domain.TaskMatch{
			{
				TaskID:         id,
				Entry:          "assets/bin/Data/globalgamemanagers",
				Version:        "2021.3.1f1",
				RawToken:       "2021.3.1f1",
				Score:          0.95,
				MarkerAdjacent: false,
				Phase:          "primary",
			},
		},
	}
}

// TestTaskHandler_GetTask 测试获取任务
func TestTaskHandler_GetTask(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks/:id", handler.GetTask)

	// Mock 成功获取
	mockService.On("GetTask", "test-task-001").Return(unityTask("test-task-001"), nil)

	// 发送请求
	req := httptest.NewRequest("GET", "/api/tasks/test-task-001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 验证响应
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "test-task-001", response["id"])
	assert.Equal(t, "game.apk", response["apk_name"])
	assert.Equal(t, true, response["is_unity"])
	assert.Equal(t, "2021.3.1f1", response["unity_version"])
	assert.Equal(t, "2021", response["unity_generation"])
	assert.Equal(t, "high", response["confidence"])
	assert.Equal(t, "globalgamemanagers", response["matched_entry_display"])
	assert.Contains(t, response, "created_at_cst")

	// 版本候选明细
	matches, ok := response["matches"].([]interface{})
	assert.True(t, ok)
	assert.Len(t, matches, 1)

	mockService.AssertExpectations(t)
}

// TestTaskHandler_GetTask_NotFound 测试获取不存在的任务
func TestTaskHandler_GetTask_NotFound(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks/:id", handler.GetTask)

	// Mock 任务不存在
	mockService.On("GetTask", "non-existent").Return(nil, errors.New("not found"))

	req := httptest.NewRequest("GET", "/api/tasks/non-existent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	mockService.AssertExpectations(t)
}

// TestTaskHandler_ListTasks 测试列出任务
func TestTaskHandler_ListTasks(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks", handler.ListTasks)

	expectedTasks := []*domain.Task{
		{ID: "task-1", APKName: "app1.apk", Status: domain.TaskStatusCompleted},
		{ID: "task-2", APKName: "app2.apk", Status: domain.TaskStatusScanning},
	}

	// Mock 默认分页: page=1, page_size=20
	mockService.On("ListTasksWithSearch", 1, 20, "", "", "").Return(expectedTasks, int64(2), nil)

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, float64(2), response["total"])
	assert.Equal(t, float64(1), response["page"])
	assert.Equal(t, float64(20), response["page_size"])
	assert.Equal(t, float64(1), response["total_pages"])

	tasks, ok := response["tasks"].([]interface{})
	assert.True(t, ok)
	assert.Len(t, tasks, 2)

	mockService.AssertExpectations(t)
}

// TestTaskHandler_ListTasks_PageSizeCap 测试每页数量上限
func TestTaskHandler_ListTasks_PageSizeCap(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks", handler.ListTasks)

	// page_size=500 应被截断为 100
	mockService.On("ListTasksWithSearch", 2, 100, "", "completed", "").Return([]*domain.Task{}, int64(0), nil)

	req := httptest.NewRequest("GET", "/api/tasks?page=2&page_size=500&status=completed", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	mockService.AssertExpectations(t)
}

// TestTaskHandler_ListTasks_UnityFilter 测试检测结果内存过滤
func TestTaskHandler_ListTasks_UnityFilter(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks", handler.ListTasks)

	allTasks := []*domain.Task{
		{ID: "task-1", APKName: "game1.apk", Status: domain.TaskStatusCompleted, IsUnity: true, UnityVersion: "2021.3.1f1", Confidence: "high"},
		{ID: "task-2", APKName: "game2.apk", Status: domain.TaskStatusCompleted, IsUnity: true, UnityVersion: "5.6.7", Confidence: "low"},
		{ID: "task-3", APKName: "tool.apk", Status: domain.TaskStatusCompleted, IsUnity: false},
	}

	// 内存过滤路径: 一次性取 5000 条再过滤
	mockService.On("ListTasksWithSearch", 1, 5000, "", "", "").Return(allTasks, int64(3), nil)

	req := httptest.NewRequest("GET", "/api/tasks?unity=true&generation=2021", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), response["total"])

	tasks := response["tasks"].([]interface{})
	assert.Len(t, tasks, 1)
	first := tasks[0].(map[string]interface{})
	assert.Equal(t, "task-1", first["id"])

	mockService.AssertExpectations(t)
}

// TestTaskHandler_ListQueuedTasks 测试获取排队任务
func TestTaskHandler_ListQueuedTasks(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks/queued", handler.ListQueuedTasks)

	queuedTasks := []*domain.Task{
		{ID: "task-1", APKName: "app1.apk", Status: domain.TaskStatusQueued},
	}

	mockService.On("ListTasksWithSearch", 1, 1000, "", "queued", "").Return(queuedTasks, int64(1), nil)

	req := httptest.NewRequest("GET", "/api/tasks/queued", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), response["total"])

	mockService.AssertExpectations(t)
}

// TestTaskHandler_ExportTasks_JSONL 测试 JSONL 格式导出
func TestTaskHandler_ExportTasks_JSONL(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks/export", handler.ExportTasks)

	expectedTasks := []*domain.Task{
		unityTask("task-1"),
		unityTask("task-2"),
	}

	mockService.On("ListTasksWithSearch", 1, 10000, "", "", "").Return(expectedTasks, int64(2), nil)

	req := httptest.NewRequest("GET", "/api/tasks/export?format=jsonl", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/jsonl", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	// 每行一个合法 JSON 对象
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		var obj map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(line), &obj))
		assert.Contains(t, obj, "id")
		assert.Contains(t, obj, "unity_version")
	}

	mockService.AssertExpectations(t)
}

// TestTaskHandler_ExportTasks_JSON 测试默认 JSON 导出
func TestTaskHandler_ExportTasks_JSON(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks/export", handler.ExportTasks)

	mockService.On("ListTasksWithSearch", 1, 10000, "", "completed", "").Return([]*domain.Task{unityTask("task-1")}, int64(1), nil)

	req := httptest.NewRequest("GET", "/api/tasks/export?status=completed", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), response["total"])

	mockService.AssertExpectations(t)
}

// TestTaskHandler_DeleteTask 测试删除任务
func TestTaskHandler_DeleteTask(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.DELETE("/api/tasks/:id", handler.DeleteTask)

	// Mock 成功删除
	mockService.On("DeleteTask", "task-001").Return(nil)

	req := httptest.NewRequest("DELETE", "/api/tasks/task-001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, true, response["success"])

	mockService.AssertExpectations(t)
}

// TestTaskHandler_DeleteTask_Error 测试删除任务失败
func TestTaskHandler_DeleteTask_Error(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.DELETE("/api/tasks/:id", handler.DeleteTask)

	// Mock 删除失败
	mockService.On("DeleteTask", "task-001").Return(errors.New("database error"))

	req := httptest.NewRequest("DELETE", "/api/tasks/task-001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	mockService.AssertExpectations(t)
}

// TestTaskHandler_BatchDeleteTasks 测试批量删除
func TestTaskHandler_BatchDeleteTasks(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.DELETE("/api/tasks/batch", handler.BatchDeleteTasks)

	mockService.On("BatchDeleteTasks", mock.Anything, "failed", 0).Return(int64(5), nil)

	body := bytes.NewBufferString(`{"status": "failed"}`)
	req := httptest.NewRequest("DELETE", "/api/tasks/batch", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, float64(5), response["deleted_count"])

	mockService.AssertExpectations(t)
}

// TestTaskHandler_BatchDeleteTasks_NoCondition 测试缺少删除条件
func TestTaskHandler_BatchDeleteTasks_NoCondition(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.DELETE("/api/tasks/batch", handler.BatchDeleteTasks)

	body := bytes.NewBufferString(`{}`)
	req := httptest.NewRequest("DELETE", "/api/tasks/batch", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockService.AssertNotCalled(t, "BatchDeleteTasks")
}

// TestTaskHandler_StopTask 测试停止任务
func TestTaskHandler_StopTask(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.POST("/api/tasks/:id/stop", handler.StopTask)

	// Mock 设置停止标记
	mockService.On("CancelTask", "task-001").Return(nil)

	req := httptest.NewRequest("POST", "/api/tasks/task-001/stop", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "任务已标记为停止", response["message"])

	mockService.AssertExpectations(t)
}

// TestTaskHandler_RescanTask 测试重新扫描
func TestTaskHandler_RescanTask(t *testing.T) {
	mockService := new(MockTaskService)
	mockPublisher := new(MockScanPublisher)
	handler := NewTaskHandler(mockService, mockPublisher, testHandlerLogger())
	router := setupTestRouter()
	router.POST("/api/tasks/:id/rescan", handler.RescanTask)

	resetTask := &domain.Task{
		ID:      "task-001",
		APKName: "game.apk",
		APKPath: "/data/apks/game.apk",
		Status:  domain.TaskStatusQueued,
	}

	// Mock 重置任务并重新发布
	mockService.On("RescanTask", "task-001").Return(resetTask, nil)
	mockPublisher.On("PublishScan", mock.MatchedBy(func(msg *queue.ScanMessage) bool {
		return msg.TaskID == "task-001" && msg.APKPath == "/data/apks/game.apk"
	})).Return(nil)

	req := httptest.NewRequest("POST", "/api/tasks/task-001/rescan", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, true, response["success"])

	mockService.AssertExpectations(t)
	mockPublisher.AssertExpectations(t)
}

// TestTaskHandler_RescanTask_NotTerminal 测试重新扫描未结束的任务
func TestTaskHandler_RescanTask_NotTerminal(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.POST("/api/tasks/:id/rescan", handler.RescanTask)

	// Mock 任务尚未结束
	mockService.On("RescanTask", "task-001").Return(nil, errors.New("任务尚未结束, 无法重新扫描"))

	req := httptest.NewRequest("POST", "/api/tasks/task-001/rescan", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockService.AssertExpectations(t)
}

// TestTaskHandler_GetSystemStats 测试获取系统统计
func TestTaskHandler_GetSystemStats(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/stats", handler.GetSystemStats)

	statusCounts := map[string]int64{
		"queued":    5,
		"scanning":  2,
		"completed": 100,
		"failed":    3,
	}
	versionCounts := map[string]int64{
		"2021.3.1f1": 40,
		"5.6.7":      10,
	}

	// Mock 统计数据
	mockService.On("GetStatusCounts").Return(statusCounts, int64(110), nil)
	mockService.On("GetVersionCounts").Return(versionCounts, nil)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, float64(110), response["total_tasks"])
	assert.Equal(t, float64(50), response["unity_detected"])
	assert.Contains(t, response, "status_breakdown")
	assert.Contains(t, response, "version_breakdown")

	mockService.AssertExpectations(t)
}

// TestTaskHandler_GetVersionStats 测试版本分布统计
func TestTaskHandler_GetVersionStats(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/versions", handler.GetVersionStats)

	versionCounts := map[string]int64{
		"2021.3.1f1": 10,
		"2021.2.0f1": 5,
		"5.6.7":      2,
	}

	mockService.On("GetVersionCounts").Return(versionCounts, nil)

	req := httptest.NewRequest("GET", "/api/versions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Versions []struct {
			Version    string `json:"version"`
			Generation string `json:"generation"`
			Count      int64  `json:"count"`
		} `json:"versions"`
		Generations map[string]int64 `json:"generations"`
		Total       int64            `json:"total"`
	}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)

	assert.Equal(t, int64(17), response.Total)
	assert.Len(t, response.Versions, 3)

	// 按数量降序
	assert.Equal(t, "2021.3.1f1", response.Versions[0].Version)
	assert.Equal(t, "2021", response.Versions[0].Generation)
	assert.Equal(t, int64(10), response.Versions[0].Count)

	// 世代聚合
	assert.Equal(t, int64(15), response.Generations["2021"])
	assert.Equal(t, int64(2), response.Generations["5"])

	mockService.AssertExpectations(t)
}

// TestTaskHandler_ConcurrentRequests 测试并发请求
func TestTaskHandler_ConcurrentRequests(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks/:id", handler.GetTask)

	// Mock 并发获取
	mockService.On("GetTask", "concurrent-task").Return(unityTask("concurrent-task"), nil)

	// 并发发送 10 个请求
	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest("GET", "/api/tasks/concurrent-task", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			done <- true
		}()
	}

	// 等待所有请求完成
	for i := 0; i < 10; i++ {
		<-done
	}

	mockService.AssertNumberOfCalls(t, "GetTask", 10)
}

// BenchmarkTaskHandler_GetTask 性能测试 - 获取任务
func BenchmarkTaskHandler_GetTask(b *testing.B) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks/:id", handler.GetTask)

	mockService.On("GetTask", "bench-task").Return(unityTask("bench-task"), nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("GET", "/api/tasks/bench-task", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkTaskHandler_ListTasks 性能测试 - 列出任务
func BenchmarkTaskHandler_ListTasks(b *testing.B) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, nil, testHandlerLogger())
	router := setupTestRouter()
	router.GET("/api/tasks", handler.ListTasks)

	tasks := []*domain.Task{
		unityTask("task-1"),
		unityTask("task-2"),
	}

	mockService.On("ListTasksWithSearch", 1, 20, "", "", "").Return(tasks, int64(2), nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("GET", "/api/tasks", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
