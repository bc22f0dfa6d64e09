package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/unity-scan/unity-scan-go/internal/api"
	"github.com/unity-scan/unity-scan-go/internal/api/handlers"
	"github.com/unity-scan/unity-scan-go/internal/config"
	"github.com/unity-scan/unity-scan-go/internal/domain"
	"github.com/unity-scan/unity-scan-go/internal/middleware"
	"github.com/unity-scan/unity-scan-go/internal/repository"
	"github.com/unity-scan/unity-scan-go/internal/service"
	"github.com/unity-scan/unity-scan-go/internal/worker"
)

// promNamespaceSeq Prometheus 指标命名空间序号 (同一进程内不可重复注册)
var promNamespaceSeq int64

// TestEnvironment 测试环境
type TestEnvironment struct {
	DB           *gorm.DB
	Router       *gin.Engine
	TaskRepo     repository.TaskRepository
	TaskService  service.TaskService
	Orchestrator *worker.Orchestrator
	Config       *config.Config
	Logger       *logrus.Logger
	CleanupFunc  func()
}

// setupTestEnvironment 创建完整的测试环境 (无 RabbitMQ, 无文件监控)
func setupTestEnvironment(t *testing.T, authToken string) *TestEnvironment {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // 降低测试时的日志噪音

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	// 单连接串行化, 避免 sqlite 内存库多连接不可见的问题
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&domain.Task{}, &domain.TaskMatch{}))

	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.Server.Mode = "test"
	cfg.APKDir = t.TempDir()
	cfg.Auth.Enabled = authToken != ""
	cfg.Auth.Token = authToken

	taskRepo := repository.NewTaskRepository(db, logger)
	taskService := service.NewTaskService(taskRepo, logger)
	orchestrator := worker.NewOrchestrator(taskRepo, &cfg.Scan, logger)

	namespace := fmt.Sprintf("integration%d", atomic.AddInt64(&promNamespaceSeq, 1))
	promMetrics := middleware.NewPrometheusMetrics(logger, namespace)
	memMonitor := middleware.NewMemoryMonitor(logger, time.Minute, promMetrics)

	progressHandler := handlers.NewProgressHandler(logger)
	progressHandler.Start()

	gin.SetMode(gin.TestMode)
	router := api.SetupRouter(cfg, logger, db, memMonitor, promMetrics, nil, progressHandler)

	cleanup := func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	return &TestEnvironment{
		DB:           db,
		Router:       router,
		TaskRepo:     taskRepo,
		TaskService:  taskService,
		Orchestrator: orchestrator,
		Config:       cfg,
		Logger:       logger,
		CleanupFunc:  cleanup,
	}
}

// writeTestAPK 写入测试用APK (ZIP归档)
func writeTestAPK(t testing.TB, dir, name string, entries map[string][]byte) string {
	t.Helper()

	apkPath := filepath.Join(dir, name)
	f, err := os.Create(apkPath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	names := make([]string, 0, len(entries))
	for entry := range entries {
		names = append(names, entry)
	}
	sort.Strings(names)

	for _, entry := range names {
		w, err := zw.Create(entry)
		require.NoError(t, err)
		_, err = w.Write(entries[entry])
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return apkPath
}

// ggmFixture 模拟globalgamemanagers头部: 二进制头后紧跟版本字符串
func ggmFixture(version string) []byte {
	header := []byte{0x00, 0x00, 0x00, 0x14, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x16}
	data := append(header, []byte(version)...)
	return append(data, 0x00, 0x00, 0x05, 0x00)
}

// doRequest 执行 HTTP 请求并返回响应
func doRequest(env *TestEnvironment, method, path string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	return w
}

// runScan 通过编排器执行一次完整扫描
func runScan(t *testing.T, env *TestEnvironment, apkName string, entries map[string][]byte) *domain.Task {
	t.Helper()
	ctx := context.Background()

	apkPath := writeTestAPK(t, env.Config.APKDir, apkName, entries)
	task, err := env.TaskService.CreateTask(ctx, apkName, apkPath)
	require.NoError(t, err)

	require.NoError(t, env.Orchestrator.ExecuteScan(ctx, task.ID, apkPath))

	scanned, err := env.TaskRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	return scanned
}

// TestEndToEnd_CreateAndGetTask 端到端测试: 创建任务并通过 API 获取
func TestEndToEnd_CreateAndGetTask(t *testing.T) {
	env := setupTestEnvironment(t, "")
	defer env.CleanupFunc()

	ctx := context.Background()
	apkPath := writeTestAPK(t, env.Config.APKDir, "test_app.apk", map[string][]byte{
		"classes.dex": []byte("dex\n035"),
	})

	task, err := env.TaskService.CreateTask(ctx, "test_app.apk", apkPath)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)

	w := doRequest(env, "GET", fmt.Sprintf("/api/tasks/%s", task.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, task.ID, response["id"])
	assert.Equal(t, "test_app.apk", response["apk_name"])
	assert.Equal(t, "queued", response["status"])
}

// TestEndToEnd_ScanPipeline 端到端测试: 扫描流水线 (引擎 → 落库 → API查询)
func TestEndToEnd_ScanPipeline(t *testing.T) {
	env := setupTestEnvironment(t, "")
	defer env.CleanupFunc()

	// Unity 应用: globalgamemanagers 携带版本号
	unityTask := runScan(t, env, "unity_game.apk", map[string][]byte{
		"assets/bin/Data/globalgamemanagers": ggmFixture("2021.3.1f1"),
		"assets/bin/Data/level0":             {0x01, 0x02},
		"classes.dex":                        []byte("dex\n035"),
	})
	assert.Equal(t, domain.TaskStatusCompleted, unityTask.Status)
	assert.True(t, unityTask.IsUnity)
	assert.Equal(t, "2021.3.1f1", unityTask.UnityVersion)
	assert.Equal(t, "high", unityTask.Confidence)

	// 普通应用: 没有任何 Unity 痕迹
	plainTask := runScan(t, env, "plain_app.apk", map[string][]byte{
		"classes.dex":              []byte("dex\n035"),
		"res/layout/activity.xml":  []byte("<layout/>"),
		"META-INF/MANIFEST.MF":     []byte("Manifest-Version: 1.0"),
		"lib/arm64-v8a/libfoo.so":  {0x7f, 0x45, 0x4c, 0x46},
	})
	assert.Equal(t, domain.TaskStatusCompleted, plainTask.Status)
	assert.False(t, plainTask.IsUnity)
	assert.Empty(t, plainTask.UnityVersion)

	// 文件不存在: 失败并记录可读的失败类型
	ctx := context.Background()
	missing, err := env.TaskService.CreateTask(ctx, "missing.apk", filepath.Join(env.Config.APKDir, "missing.apk"))
	require.NoError(t, err)
	err = env.Orchestrator.ExecuteScan(ctx, missing.ID, missing.APKPath)
	require.Error(t, err)

	failed, err := env.TaskRepo.FindByID(ctx, missing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, failed.Status)
	assert.Equal(t, domain.FailureTypeUnreadable, failed.FailureType)

	// API: 详情包含版本与候选
	w := doRequest(env, "GET", fmt.Sprintf("/api/tasks/%s", unityTask.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, true, detail["is_unity"])
	assert.Equal(t, "2021.3.1f1", detail["unity_version"])
	assert.Equal(t, "2021", detail["unity_generation"])
	assert.Equal(t, "assets/bin/Data/globalgamemanagers", detail["matched_entry"])
	assert.Equal(t, "globalgamemanagers", detail["matched_entry_display"])

	// API: unity=true 过滤只剩 Unity 任务
	w = doRequest(env, "GET", "/api/tasks?unity=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Tasks []map[string]interface{} `json:"tasks"`
		Total int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, unityTask.ID, list.Tasks[0]["id"])

	// API: 状态过滤
	w = doRequest(env, "GET", "/api/tasks?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	// API: 系统统计
	w = doRequest(env, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		TotalTasks    int            `json:"total_tasks"`
		UnityDetected int            `json:"unity_detected"`
		StatusCounts  map[string]int `json:"status_breakdown"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 1, stats.UnityDetected)
	assert.Equal(t, 2, stats.StatusCounts["completed"])

	// API: 版本分布
	w = doRequest(env, "GET", "/api/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var versions struct {
		Versions []struct {
			Version string `json:"version"`
			Count   int    `json:"count"`
		} `json:"versions"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &versions))
	require.Equal(t, 1, versions.Total)
	assert.Equal(t, "2021.3.1f1", versions.Versions[0].Version)
}

// TestEndToEnd_ExportJSONL 端到端测试: JSONL 流式导出
func TestEndToEnd_ExportJSONL(t *testing.T) {
	env := setupTestEnvironment(t, "")
	defer env.CleanupFunc()

	runScan(t, env, "export_unity.apk", map[string][]byte{
		"assets/bin/Data/globalgamemanagers": ggmFixture("2020.2.5f1"),
	})
	runScan(t, env, "export_plain.apk", map[string][]byte{
		"classes.dex": []byte("dex\n035"),
	})

	w := doRequest(env, "GET", "/api/tasks/export?format=jsonl", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var row map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &row))
		assert.NotEmpty(t, row["id"])
		assert.Equal(t, "completed", row["status"])
	}
}

// TestEndToEnd_CancelQueuedTask 端到端测试: 取消排队中的任务
func TestEndToEnd_CancelQueuedTask(t *testing.T) {
	env := setupTestEnvironment(t, "")
	defer env.CleanupFunc()

	ctx := context.Background()
	apkPath := writeTestAPK(t, env.Config.APKDir, "cancel_me.apk", map[string][]byte{
		"classes.dex": []byte("dex"),
	})
	task, err := env.TaskService.CreateTask(ctx, "cancel_me.apk", apkPath)
	require.NoError(t, err)

	w := doRequest(env, "POST", fmt.Sprintf("/api/tasks/%s/stop", task.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	cancelled, err := env.TaskRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.ShouldStop)

	// 已取消的任务被消费者拿到时直接跳过
	require.NoError(t, env.Orchestrator.ExecuteScan(ctx, task.ID, apkPath))
	after, err := env.TaskRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, after.Status)
}

// TestEndToEnd_RescanCompletedTask 端到端测试: 重新扫描已完成任务
func TestEndToEnd_RescanCompletedTask(t *testing.T) {
	env := setupTestEnvironment(t, "")
	defer env.CleanupFunc()

	task := runScan(t, env, "rescan_me.apk", map[string][]byte{
		"assets/bin/Data/globalgamemanagers": ggmFixture("2019.4.40f1"),
	})
	require.Equal(t, domain.TaskStatusCompleted, task.Status)

	w := doRequest(env, "POST", fmt.Sprintf("/api/tasks/%s/rescan", task.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	ctx := context.Background()
	reset, err := env.TaskRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, reset.Status)
	assert.Equal(t, 1, reset.RetryCount)
	assert.False(t, reset.IsUnity)

	// 运行中的任务不可重复触发
	require.NoError(t, env.TaskRepo.UpdateStatus(ctx, task.ID, domain.TaskStatusScanning))
	w = doRequest(env, "POST", fmt.Sprintf("/api/tasks/%s/rescan", task.ID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestEndToEnd_BatchDelete 端到端测试: 按状态批量删除
func TestEndToEnd_BatchDelete(t *testing.T) {
	env := setupTestEnvironment(t, "")
	defer env.CleanupFunc()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("batch_%d.apk", i)
		task, err := env.TaskService.CreateTask(ctx, name, filepath.Join(env.Config.APKDir, name))
		require.NoError(t, err)
		require.NoError(t, env.TaskRepo.UpdateFailure(ctx, task.ID, domain.FailureTypeUnreadable, "文件不存在"))
	}

	body, _ := json.Marshal(map[string]interface{}{"status": "failed"})
	w := doRequest(env, "DELETE", "/api/tasks/batch", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["deleted_count"])

	_, total, err := env.TaskService.ListTasksWithPagination(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

// TestEndToEnd_UploadAPK 端到端测试: 上传 APK 到监控目录
func TestEndToEnd_UploadAPK(t *testing.T) {
	env := setupTestEnvironment(t, "")
	defer env.CleanupFunc()

	makeUpload := func(filename string) (*bytes.Buffer, string) {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte("PK\x03\x04fake-apk-content"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		return body, mw.FormDataContentType()
	}

	body, contentType := makeUpload("uploaded_game.apk")
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	savedPath := filepath.Join(env.Config.APKDir, "uploaded_game.apk")
	_, err := os.Stat(savedPath)
	assert.NoError(t, err, "uploaded file should land in the watch directory")

	// 同名文件再次上传被拒绝
	body, contentType = makeUpload("uploaded_game.apk")
	req = httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w = httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	// 非 .apk 后缀被拒绝
	body, contentType = makeUpload("not_an_apk.txt")
	req = httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w = httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestEndToEnd_AuthToken 端到端测试: 鉴权开启时需要 Bearer Token
func TestEndToEnd_AuthToken(t *testing.T) {
	env := setupTestEnvironment(t, "integration-secret")
	defer env.CleanupFunc()

	// 无令牌被拒绝
	w := doRequest(env, "GET", "/api/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 错误令牌被拒绝
	req := httptest.NewRequest("GET", "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	env.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 正确令牌放行
	req = httptest.NewRequest("GET", "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer integration-secret")
	rec = httptest.NewRecorder()
	env.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 健康检查不需要令牌
	w = doRequest(env, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
