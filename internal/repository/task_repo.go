package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unity-scan/unity-scan-go/internal/domain"
	"gorm.io/gorm"
)

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	Update(ctx context.Context, task *domain.Task) error
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, limit int) ([]*domain.Task, error)
	ListWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.Task, int64, error)
	// 获取任务列表（支持状态过滤、排除和搜索）
	ListWithSearch(ctx context.Context, page int, pageSize int, excludeStatus string, statusFilter string, search string) ([]*domain.Task, int64, error)
	Delete(ctx context.Context, id string) error
	BatchDelete(ctx context.Context, taskIDs []string, status string, beforeDays int) (int64, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	UpdateProgress(ctx context.Context, id string, step string, percent int) error
	// 取消标记: API 置位, worker 在进度回调中轮询
	ShouldStop(ctx context.Context, id string) (bool, error)
	MarkShouldStop(ctx context.Context, id string) error
	// 原子写入扫描结果并标记完成
	SaveResult(ctx context.Context, id string, result *ScanOutcome) error
	// 批量保存版本候选明细
	SaveMatches(ctx context.Context, taskID string, matches []domain.TaskMatch) error
	// 检查是否存在最近创建的同名 APK 任务（防止重复创建）
	HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error)
	// 更新任务失败信息（包含失败类型）
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	// 重新入队相关方法
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	ResetForRetry(ctx context.Context, id string) error
	GetRetryCount(ctx context.Context, id string) (int, error)
	// 获取各状态任务数量统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 获取Unity版本分布统计（使用数据库聚合查询）
	GetVersionCounts(ctx context.Context) (map[string]int64, error)
	// 获取所有未完成的任务（重启恢复用, 不分页）
	ListActiveTasks(ctx context.Context) ([]*domain.Task, error)
}

// ScanOutcome 一次扫描的落库结果
type ScanOutcome struct {
	IsUnity      bool
	Version      string
	MatchedEntry string
	Confidence   string
	Score        float64
	UsedDeepScan bool
	BytesRead    int64
	DurationMs   int64
}

type taskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTaskRepository(db *gorm.DB, logger *logrus.Logger) TaskRepository {
	return &taskRepo{
		db:     db,
		logger: logger,
	}
}

func (r *taskRepo) Create(ctx context.Context, task *domain.Task) error {
	task.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepo) Update(ctx context.Context, task *domain.Task) error {
	// 只更新主表的任务元数据字段
	// 扫描结果列由 SaveResult 原子写入, 避免进度更新与完成写入互相覆盖
	err := r.db.WithContext(ctx).
		Model(task).
		Select("apk_name", "apk_path", "file_size", "status", "error_message",
			"started_at", "completed_at", "current_step", "progress_percent").
		Updates(task).Error

	if err != nil {
		r.logger.WithError(err).WithField("task_id", task.ID).Error("Task update failed")
	}

	return err
}

func (r *taskRepo) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Preload("Matches").
		First(&task, "id = ?", id).Error

	if err != nil {
		return nil, err
	}

	return &task, nil
}

func (r *taskRepo) List(ctx context.Context, limit int) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error

	return tasks, err
}

func (r *taskRepo) ListWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.Task, int64, error) {
	return r.ListWithSearch(ctx, page, pageSize, "", "", "")
}

func (r *taskRepo) ListWithSearch(ctx context.Context, page int, pageSize int, excludeStatus string, statusFilter string, search string) ([]*domain.Task, int64, error) {
	var tasks []*domain.Task
	var total int64

	// 构建基础查询
	baseQuery := r.db.WithContext(ctx).Model(&domain.Task{})
	if excludeStatus != "" {
		baseQuery = baseQuery.Where("status != ?", excludeStatus)
	}
	if statusFilter != "" {
		baseQuery = baseQuery.Where("status = ?", statusFilter)
	}
	// 搜索APK名称或Unity版本（模糊匹配）
	if search != "" {
		searchPattern := "%" + search + "%"
		baseQuery = baseQuery.Where("apk_name LIKE ? OR unity_version LIKE ?", searchPattern, searchPattern)
	}

	// 统计符合条件的总数
	if err := baseQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 计算偏移量
	offset := (page - 1) * pageSize

	// 查询当前页数据
	query := r.db.WithContext(ctx)
	if excludeStatus != "" {
		query = query.Where("status != ?", excludeStatus)
	}
	if statusFilter != "" {
		query = query.Where("status = ?", statusFilter)
	}
	if search != "" {
		searchPattern := "%" + search + "%"
		query = query.Where("apk_name LIKE ? OR unity_version LIKE ?", searchPattern, searchPattern)
	}

	err := query.
		// 进行中的任务排前面, 其余按创建时间倒序
		Order("CASE status WHEN 'opening' THEN 1 WHEN 'scanning' THEN 2 WHEN 'deep_scanning' THEN 3 WHEN 'queued' THEN 4 ELSE 5 END, created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}

func (r *taskRepo) Delete(ctx context.Context, id string) error {
	// 使用事务删除主表和候选明细表
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	result := tx.Exec("DELETE FROM task_matches WHERE task_id = ?", id)
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	r.logger.WithFields(logrus.Fields{"task_id": id, "deleted": result.RowsAffected}).Info("Deleted task_matches")

	result = tx.Exec("DELETE FROM scan_tasks WHERE id = ?", id)
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	r.logger.WithFields(logrus.Fields{"task_id": id, "deleted": result.RowsAffected}).Info("Deleted scan_tasks")

	return tx.Commit().Error
}

func (r *taskRepo) BatchDelete(ctx context.Context, taskIDs []string, status string, beforeDays int) (int64, error) {
	// 如果指定了任务 ID 列表，则只删除这些任务
	if len(taskIDs) > 0 {
		tx := r.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return 0, tx.Error
		}

		if err := tx.Exec("DELETE FROM task_matches WHERE task_id IN ?", taskIDs).Error; err != nil {
			tx.Rollback()
			return 0, err
		}

		result := tx.Exec("DELETE FROM scan_tasks WHERE id IN ?", taskIDs)
		if result.Error != nil {
			tx.Rollback()
			return 0, result.Error
		}

		if err := tx.Commit().Error; err != nil {
			return 0, err
		}

		return result.RowsAffected, nil
	}

	// 按状态或时间过滤删除
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}

	matchQuery := "DELETE FROM task_matches WHERE task_id IN (SELECT id FROM scan_tasks"
	taskQuery := "DELETE FROM scan_tasks"
	var conditions []string
	var args []interface{}

	if status != "" && status != "all" {
		conditions = append(conditions, "status = ?")
		args = append(args, status)
	}
	if beforeDays > 0 {
		beforeTime := time.Now().UTC().AddDate(0, 0, -beforeDays)
		conditions = append(conditions, "created_at < ?")
		args = append(args, beforeTime)
	}

	where := ""
	for i, cond := range conditions {
		if i == 0 {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}

	if err := tx.Exec(matchQuery+where+")", args...).Error; err != nil {
		tx.Rollback()
		return 0, err
	}

	result := tx.Exec(taskQuery+where, args...)
	if result.Error != nil {
		tx.Rollback()
		return 0, result.Error
	}

	if err := tx.Commit().Error; err != nil {
		return 0, err
	}

	return result.RowsAffected, nil
}

func (r *taskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	updates := map[string]interface{}{
		"status": status,
	}

	now := time.Now().UTC()
	if status.IsTerminal() {
		updates["completed_at"] = &now
	} else if status != domain.TaskStatusQueued {
		// 首次进入扫描状态时记录开始时间, 后续状态变更不覆盖
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	}

	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRepo) UpdateProgress(ctx context.Context, id string, step string, percent int) error {
	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_step":     step,
			"progress_percent": percent,
		}).Error
}

func (r *taskRepo) ShouldStop(ctx context.Context, id string) (bool, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Select("should_stop").
		First(&task, "id = ?", id).Error

	if err != nil {
		return false, err
	}

	return task.ShouldStop, nil
}

func (r *taskRepo) MarkShouldStop(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Update("should_stop", true).Error
}

// SaveResult 原子写入扫描结果并标记任务完成
// 使用单条 UPDATE 语句，避免与进度更新并发冲突
func (r *taskRepo) SaveResult(ctx context.Context, id string, result *ScanOutcome) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusCompleted,
			"is_unity":         result.IsUnity,
			"unity_version":    result.Version,
			"matched_entry":    result.MatchedEntry,
			"confidence":       result.Confidence,
			"score":            result.Score,
			"used_deep_scan":   result.UsedDeepScan,
			"bytes_read":       result.BytesRead,
			"duration_ms":      result.DurationMs,
			"current_step":     "扫描完成",
			"progress_percent": 100,
			"completed_at":     &now,
		})

	if res.Error != nil {
		r.logger.WithError(res.Error).WithField("task_id", id).Error("Failed to save scan result")
		return res.Error
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":  id,
		"is_unity": result.IsUnity,
		"version":  result.Version,
	}).Info("✅ Scan result saved (atomic update)")
	return nil
}

// SaveMatches 批量保存版本候选明细
// 先清空该任务的旧记录, 重新扫描时不会残留上一轮候选
func (r *taskRepo) SaveMatches(ctx context.Context, taskID string, matches []domain.TaskMatch) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	if err := tx.Exec("DELETE FROM task_matches WHERE task_id = ?", taskID).Error; err != nil {
		tx.Rollback()
		return err
	}

	if len(matches) > 0 {
		now := time.Now().UTC()
		for i := range matches {
			matches[i].TaskID = taskID
			matches[i].CreatedAt = now
		}
		if err := tx.Create(&matches).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}

// HasRecentTaskForAPK 检查是否存在最近创建的同名 APK 任务
// 用于防止文件监控器重复创建任务（大文件复制触发多次事件）
// withinSeconds: 时间窗口（秒），默认建议 60 秒
func (r *taskRepo) HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error) {
	var count int64
	cutoffTime := time.Now().UTC().Add(-time.Duration(withinSeconds) * time.Second)

	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("apk_name = ? AND created_at > ?", apkName, cutoffTime).
		Count(&count).Error

	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"apk_name":       apkName,
			"within_seconds": withinSeconds,
		}).Error("Failed to check recent task for APK")
		return false, err
	}

	if count > 0 {
		r.logger.WithFields(logrus.Fields{
			"apk_name":       apkName,
			"recent_count":   count,
			"within_seconds": withinSeconds,
		}).Warn("⚠️ Found recent task for same APK, skipping duplicate creation")
	}

	return count > 0, nil
}

// UpdateFailure 更新任务失败信息（包含失败类型和错误消息）
// 同时将任务状态设置为 failed
func (r *taskRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithFields(logrus.Fields{
			"task_id":      id,
			"failure_type": failureType,
		}).Error("Failed to update task failure")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":          id,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"display_name":     failureType.GetDisplayName(),
	}).Warn("❌ Task marked as failed")

	return nil
}

// IncrementRetryCount 增加重试次数并返回新的计数
func (r *taskRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to increment retry count")
		return 0, result.Error
	}

	// 获取更新后的值
	var task domain.Task
	if err := r.db.WithContext(ctx).Select("retry_count").First(&task, "id = ?", id).Error; err != nil {
		return 0, err
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":     id,
		"retry_count": task.RetryCount,
	}).Info("🔄 Retry count incremented")

	return task.RetryCount, nil
}

// ResetForRetry 重置任务状态以准备重新扫描
// 将任务状态改回 queued，清除失败信息和旧结果，保留重试计数
func (r *taskRepo) ResetForRetry(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusQueued,
			"should_stop":      false,
			"failure_type":     "",
			"error_message":    "",
			"current_step":     "等待重新扫描...",
			"progress_percent": 0,
			"is_unity":         false,
			"unity_version":    "",
			"matched_entry":    "",
			"confidence":       "",
			"score":            0,
			"used_deep_scan":   false,
			"bytes_read":       0,
			"duration_ms":      0,
			"started_at":       nil,
			"completed_at":     nil,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to reset task for rescan")
		return result.Error
	}

	r.logger.WithField("task_id", id).Info("🔄 Task reset for rescan")
	return nil
}

// GetRetryCount 获取当前重试次数
func (r *taskRepo) GetRetryCount(ctx context.Context, id string) (int, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Select("retry_count").
		First(&task, "id = ?", id).Error

	if err != nil {
		return 0, err
	}

	return task.RetryCount, nil
}

// GetStatusCounts 获取各状态任务数量统计（使用数据库聚合查询）
// 返回: statusCounts map, totalCount, error
func (r *taskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error

	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	// 初始化所有状态计数为 0
	statusCounts := map[string]int64{
		"queued":        0,
		"opening":       0,
		"scanning":      0,
		"deep_scanning": 0,
		"completed":     0,
		"failed":        0,
		"cancelled":     0,
	}

	var total int64
	for _, r := range results {
		statusCounts[r.Status] = r.Count
		total += r.Count
	}

	return statusCounts, total, nil
}

// GetVersionCounts 获取Unity版本分布统计（使用数据库聚合查询）
// 只统计已完成且识别为Unity应用的任务
func (r *taskRepo) GetVersionCounts(ctx context.Context) (map[string]int64, error) {
	type VersionCount struct {
		UnityVersion string
		Count        int64
	}

	var results []VersionCount
	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("unity_version, COUNT(*) as count").
		Where("status = ? AND is_unity = ?", domain.TaskStatusCompleted, true).
		Group("unity_version").
		Scan(&results).Error

	if err != nil {
		r.logger.WithError(err).Error("Failed to get version counts")
		return nil, err
	}

	versionCounts := make(map[string]int64, len(results))
	for _, vc := range results {
		key := vc.UnityVersion
		if key == "" {
			key = "unknown"
		}
		versionCounts[key] = vc.Count
	}

	return versionCounts, nil
}

// ListActiveTasks 获取所有未完成的任务（重启恢复用, 不分页）
func (r *taskRepo) ListActiveTasks(ctx context.Context) ([]*domain.Task, error) {
	var tasks []*domain.Task

	err := r.db.WithContext(ctx).
		Where("status IN ?", domain.ActiveStatuses()).
		Order("created_at ASC"). // 按创建时间升序，先进先出
		Find(&tasks).Error

	return tasks, err
}
