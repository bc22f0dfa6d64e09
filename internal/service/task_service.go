package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/unity-scan/unity-scan-go/internal/domain"
	"github.com/unity-scan/unity-scan-go/internal/repository"
)

// TaskService 任务服务接口
type TaskService interface {
	// 创建扫描任务
	CreateTask(ctx context.Context, apkName string, apkPath string) (*domain.Task, error)

	// 获取任务
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 获取任务列表
	ListTasks(ctx context.Context, limit int) ([]*domain.Task, error)

	// 获取任务列表（分页）
	ListTasksWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.Task, int64, error)

	// 获取任务列表（支持状态过滤、排除和搜索）
	ListTasksWithSearch(ctx context.Context, page int, pageSize int, excludeStatus string, statusFilter string, search string) ([]*domain.Task, int64, error)

	// 删除任务
	DeleteTask(ctx context.Context, taskID string) error

	// 取消任务
	CancelTask(ctx context.Context, taskID string) error

	// 重置终态任务以便重新扫描
	RescanTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 批量删除任务
	BatchDeleteTasks(ctx context.Context, taskIDs []string, status string, beforeDays int) (int64, error)

	// 更新任务状态
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error

	// 更新任务进度
	UpdateTaskProgress(ctx context.Context, taskID string, step string, percent int) error

	// 获取任务状态统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)

	// 获取Unity版本分布统计
	GetVersionCounts(ctx context.Context) (map[string]int64, error)
}

type taskService struct {
	taskRepo repository.TaskRepository
	logger   *logrus.Logger
}

// NewTaskService 创建任务服务实例
func NewTaskService(taskRepo repository.TaskRepository, logger *logrus.Logger) TaskService {
	return &taskService{
		taskRepo: taskRepo,
		logger:   logger,
	}
}

func (s *taskService) CreateTask(ctx context.Context, apkName string, apkPath string) (*domain.Task, error) {
	// 🔧 防重复：检查是否存在最近创建的同名 APK 任务
	// 解决大文件复制时文件监控器触发多次事件导致重复创建任务的问题
	hasRecent, err := s.taskRepo.HasRecentTaskForAPK(ctx, apkName, 60) // 60秒时间窗口
	if err != nil {
		s.logger.WithError(err).WithField("apk_name", apkName).Warn("Failed to check recent task, continuing anyway")
	} else if hasRecent {
		s.logger.WithField("apk_name", apkName).Warn("⚠️ Duplicate task creation blocked: recent task exists for same APK")
		return nil, fmt.Errorf("任务已存在：最近60秒内已为该APK创建任务")
	}

	var fileSize int64
	if info, err := os.Stat(apkPath); err == nil {
		fileSize = info.Size()
	}

	task := &domain.Task{
		ID:              uuid.New().String(),
		APKName:         apkName,
		APKPath:         apkPath,
		FileSize:        fileSize,
		Status:          domain.TaskStatusQueued,
		CreatedAt:       time.Now().UTC(),
		ProgressPercent: 0,
		CurrentStep:     "任务已创建",
		ShouldStop:      false,
	}

	if err := s.taskRepo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create task")
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"apk_name": apkName,
	}).Info("Task created successfully")
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get task")
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, limit int) ([]*domain.Task, error) {
	tasks, err := s.taskRepo.List(ctx, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks")
		return nil, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return tasks, nil
}

func (s *taskService) ListTasksWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.Task, int64, error) {
	tasks, total, err := s.taskRepo.ListWithPagination(ctx, page, pageSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks with pagination")
		return nil, 0, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return tasks, total, nil
}

func (s *taskService) ListTasksWithSearch(ctx context.Context, page int, pageSize int, excludeStatus string, statusFilter string, search string) ([]*domain.Task, int64, error) {
	tasks, total, err := s.taskRepo.ListWithSearch(ctx, page, pageSize, excludeStatus, statusFilter, search)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks with search")
		return nil, 0, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return tasks, total, nil
}

func (s *taskService) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.taskRepo.Delete(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		return fmt.Errorf("删除任务失败: %w", err)
	}

	s.logger.WithField("task_id", taskID).Info("Task deleted successfully")
	return nil
}

// CancelTask 请求取消任务
// 排队中的任务直接置为取消终态; 扫描中的任务置位停止标记,
// 由 worker 在下一次进度回调时中断扫描
func (s *taskService) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("获取任务失败: %w", err)
	}

	if task.Status.IsTerminal() {
		return fmt.Errorf("任务已结束, 无法取消")
	}

	if err := s.taskRepo.MarkShouldStop(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to cancel task")
		return fmt.Errorf("取消任务失败: %w", err)
	}

	// 还没被 worker 领取的任务直接进入取消终态
	if task.Status == domain.TaskStatusQueued {
		if err := s.taskRepo.UpdateStatus(ctx, taskID, domain.TaskStatusCancelled); err != nil {
			return fmt.Errorf("取消任务失败: %w", err)
		}
	}

	s.logger.WithField("task_id", taskID).Info("Task marked for cancellation")
	return nil
}

// RescanTask 重置终态任务以便重新扫描
// 进行中的任务不允许重置
func (s *taskService) RescanTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}

	if !task.Status.IsTerminal() {
		return nil, fmt.Errorf("任务尚未结束, 无法重新扫描")
	}

	if err := s.taskRepo.ResetForRetry(ctx, taskID); err != nil {
		return nil, fmt.Errorf("重置任务失败: %w", err)
	}

	if _, err := s.taskRepo.IncrementRetryCount(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to increment retry count")
	}

	refreshed, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":     taskID,
		"retry_count": refreshed.RetryCount,
	}).Info("Task reset for rescan")
	return refreshed, nil
}

func (s *taskService) BatchDeleteTasks(ctx context.Context, taskIDs []string, status string, beforeDays int) (int64, error) {
	deletedCount, err := s.taskRepo.BatchDelete(ctx, taskIDs, status, beforeDays)
	if err != nil {
		s.logger.WithError(err).
			WithFields(logrus.Fields{
				"task_ids":    taskIDs,
				"status":      status,
				"before_days": beforeDays,
			}).
			Error("Failed to batch delete tasks")
		return 0, fmt.Errorf("批量删除任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"deleted_count": deletedCount,
		"status":        status,
		"before_days":   beforeDays,
	}).Info("Tasks batch deleted successfully")

	return deletedCount, nil
}

func (s *taskService) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	if err := s.taskRepo.UpdateStatus(ctx, taskID, status); err != nil {
		s.logger.WithError(err).
			WithField("task_id", taskID).
			WithField("status", status).
			Error("Failed to update task status")
		return fmt.Errorf("更新任务状态失败: %w", err)
	}
	return nil
}

func (s *taskService) UpdateTaskProgress(ctx context.Context, taskID string, step string, percent int) error {
	if err := s.taskRepo.UpdateProgress(ctx, taskID, step, percent); err != nil {
		s.logger.WithError(err).
			WithField("task_id", taskID).
			WithField("step", step).
			WithField("percent", percent).
			Error("Failed to update task progress")
		return fmt.Errorf("更新任务进度失败: %w", err)
	}
	return nil
}

func (s *taskService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.taskRepo.GetStatusCounts(ctx)
}

func (s *taskService) GetVersionCounts(ctx context.Context) (map[string]int64, error) {
	return s.taskRepo.GetVersionCounts(ctx)
}
