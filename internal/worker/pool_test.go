package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unity-scan/unity-scan-go/internal/domain"
)

// TestNewPool_Defaults 测试非法参数回退默认值
func TestNewPool_Defaults(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	pool := NewPool(0, 0, nil, logger)
	assert.Equal(t, 1, pool.workers)
	assert.Equal(t, 100, cap(pool.jobChan))

	pool = NewPool(-3, -1, nil, logger)
	assert.Equal(t, 1, pool.workers)
	assert.Equal(t, 100, cap(pool.jobChan))

	pool = NewPool(4, 20, nil, logger)
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 20, cap(pool.jobChan))
}

// TestPool_SubmitAndWait 测试同步提交与结果回传
func TestPool_SubmitAndWait(t *testing.T) {
	orchestrator, _, db := setupTestOrchestrator(t)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	pool := NewPool(2, 10, orchestrator, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	apkPath := writeTestAPK(t, map[string][]byte{
		"assets/bin/Data/globalgamemanagers": ggmFixture("2022.3.10f1"),
		"classes.dex":                        []byte("dex data"),
	})

	for i := 0; i < 3; i++ {
		taskID := fmt.Sprintf("pool-task-%03d", i)
		createTestTask(t, db, taskID, apkPath, domain.TaskStatusQueued)

		waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := pool.SubmitAndWait(waitCtx, &ScanJob{
			ID:      taskID,
			APKName: "pool.apk",
			APKPath: apkPath,
		})
		waitCancel()
		assert.NoError(t, err)

		var updated domain.Task
		require.NoError(t, db.First(&updated, "id = ?", taskID).Error)
		assert.Equal(t, domain.TaskStatusCompleted, updated.Status)
		assert.Equal(t, "2022.3.10f1", updated.UnityVersion)
	}
}

// TestPool_SubmitAndWait_ScanFailure 测试扫描失败的错误回传
func TestPool_SubmitAndWait_ScanFailure(t *testing.T) {
	orchestrator, _, db := setupTestOrchestrator(t)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool := NewPool(1, 5, orchestrator, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	// 任务不存在, ExecuteScan 返回错误
	err := pool.SubmitAndWait(context.Background(), &ScanJob{
		ID:      "pool-missing-task",
		APKName: "missing.apk",
		APKPath: "/tmp/missing.apk",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load task")

	var count int64
	require.NoError(t, db.Model(&domain.Task{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

// TestPool_Submit_QueueFull 测试队列满时的非阻塞提交
func TestPool_Submit_QueueFull(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	// 不启动worker, 队列容量1
	pool := NewPool(1, 1, nil, logger)

	err := pool.Submit(&ScanJob{ID: "job-1", APKPath: "/tmp/a.apk"})
	assert.NoError(t, err)
	assert.Equal(t, 1, pool.GetQueueSize())

	err = pool.Submit(&ScanJob{ID: "job-2", APKPath: "/tmp/b.apk"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")
}

// TestPool_SubmitAndWait_ContextCancelled 测试等待提交时的上下文取消
func TestPool_SubmitAndWait_ContextCancelled(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	// 不启动worker并填满队列, 提交只能等到上下文取消
	pool := NewPool(1, 1, nil, logger)
	require.NoError(t, pool.Submit(&ScanJob{ID: "job-blocker", APKPath: "/tmp/a.apk"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.SubmitAndWait(ctx, &ScanJob{ID: "job-waiting", APKPath: "/tmp/b.apk"})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestPool_StartStop 测试启动与优雅停止
func TestPool_StartStop(t *testing.T) {
	orchestrator, _, _ := setupTestOrchestrator(t)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	pool := NewPool(3, 10, orchestrator, logger)
	ctx := context.Background()
	pool.Start(ctx)

	assert.Equal(t, 0, pool.GetQueueSize())

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop in time")
	}
}
