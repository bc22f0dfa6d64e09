package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/unity-scan/unity-scan-go/internal/domain"
	"github.com/unity-scan/unity-scan-go/internal/queue"
	"github.com/unity-scan/unity-scan-go/internal/service"
	"github.com/unity-scan/unity-scan-go/internal/unity"
	"github.com/unity-scan/unity-scan-go/internal/utils"
)

// ScanPublisher 重新扫描时向扫描队列发布消息
type ScanPublisher interface {
	PublishScan(ctx context.Context, msg *queue.ScanMessage) error
}

// TaskHandler 任务处理器
type TaskHandler struct {
	taskService service.TaskService
	publisher   ScanPublisher
	logger      *logrus.Logger
}

// NewTaskHandler 创建任务处理器实例
// publisher 可为 nil, 此时重新扫描只重置任务状态, 等待重启恢复时重新入队
func NewTaskHandler(taskService service.TaskService, publisher ScanPublisher, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		publisher:   publisher,
		logger:      logger,
	}
}

// ListTasks 获取任务列表
// GET /api/tasks?page=1&page_size=20&status=completed&exclude_status=queued&unity=true&version=2021.3.1f1&generation=2021&confidence=high&search=关键词
// 支持分页参数，默认每页20条
// 支持状态过滤：status=completed 或 exclude_status=queued
// 支持检测结果过滤：unity=true/false、version=精确版本、generation=发行世代、confidence=high/low/none
// 支持搜索：search=关键词（搜索APK名称、匹配条目、版本号）
func (h *TaskHandler) ListTasks(c *gin.Context) {
	pageStr := c.DefaultQuery("page", "1")
	pageSizeStr := c.DefaultQuery("page_size", "20")
	statusFilter := c.Query("status")          // 例如: status=completed
	excludeStatus := c.Query("exclude_status") // 例如: exclude_status=queued
	unityFilter := c.Query("unity")            // 例如: unity=true
	versionFilter := c.Query("version")        // 例如: version=2021.3.1f1
	generationFilter := c.Query("generation")  // 例如: generation=2021
	confidenceFilter := c.Query("confidence")  // 例如: confidence=high
	searchQuery := c.Query("search")           // 例如: search=game（搜索APK名称、匹配条目、版本号）

	page, err := strconv.Atoi(pageStr)
	if err != nil || page <= 0 {
		page = 1
	}

	pageSize, err := strconv.Atoi(pageSizeStr)
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}

	// 限制最大每页数量，防止过大的查询
	if pageSize > 100 {
		pageSize = 100
	}

	// 检测结果过滤需要内存过滤（状态和搜索走数据库）
	hasMemoryFilter := unityFilter != "" || versionFilter != "" || generationFilter != "" || confidenceFilter != ""

	var tasks []*domain.Task
	var total int64

	if hasMemoryFilter {
		// 有检测结果过滤时，需要查询所有符合状态条件的数据再在内存中过滤
		// 查询上限设为 5000 条，避免内存溢出
		queryLimit := 5000
		tasks, _, err = h.taskService.ListTasksWithSearch(c.Request.Context(), 1, queryLimit, excludeStatus, statusFilter, searchQuery)
	} else {
		// 仅有 status 和 exclude_status 时，使用数据库分页（支持搜索）
		tasks, total, err = h.taskService.ListTasksWithSearch(c.Request.Context(), page, pageSize, excludeStatus, statusFilter, searchQuery)
	}

	if err != nil {
		h.logger.WithError(err).Error("Failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取任务列表失败",
		})
		return
	}

	// 如果有内存过滤条件，需要在内存中过滤
	if hasMemoryFilter {
		filtered := filterTasksByResult(tasks, unityFilter, versionFilter, generationFilter, confidenceFilter)

		// 手动分页
		startIdx := (page - 1) * pageSize
		endIdx := startIdx + pageSize
		if startIdx >= len(filtered) {
			startIdx = len(filtered)
		}
		if endIdx > len(filtered) {
			endIdx = len(filtered)
		}
		tasks = filtered[startIdx:endIdx]
		total = int64(len(filtered))
	}

	// 转换为响应格式
	taskList := make([]map[string]interface{}, len(tasks))
	for i, task := range tasks {
		taskList[i] = h.taskToResponse(task)
	}

	// 计算总页数
	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)

	c.JSON(http.StatusOK, gin.H{
		"tasks":       taskList,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}

// filterTasksByResult 按检测结果在内存中过滤任务
func filterTasksByResult(tasks []*domain.Task, unityFilter, versionFilter, generationFilter, confidenceFilter string) []*domain.Task {
	var filtered []*domain.Task
	for _, task := range tasks {
		if unityFilter != "" {
			wantUnity := unityFilter == "true"
			if task.IsUnity != wantUnity {
				continue
			}
		}

		if versionFilter != "" && task.UnityVersion != versionFilter {
			continue
		}

		if generationFilter != "" && unity.Generation(task.UnityVersion) != generationFilter {
			continue
		}

		if confidenceFilter != "" && task.Confidence != confidenceFilter {
			continue
		}

		filtered = append(filtered, task)
	}
	return filtered
}

// ExportTasks 导出任务列表（不分页，用于导出功能）
// GET /api/tasks/export?status=completed&unity=true&generation=2021&search=关键词&format=jsonl
// 最大返回 10000 条; format=jsonl 时以附件形式流式输出
func (h *TaskHandler) ExportTasks(c *gin.Context) {
	statusFilter := c.Query("status")
	excludeStatus := c.Query("exclude_status")
	unityFilter := c.Query("unity")
	versionFilter := c.Query("version")
	generationFilter := c.Query("generation")
	confidenceFilter := c.Query("confidence")
	searchQuery := c.Query("search")
	format := c.DefaultQuery("format", "json")

	// 导出最大限制 10000 条
	maxExportLimit := 10000

	// 查询所有符合条件的数据（不分页）
	tasks, _, err := h.taskService.ListTasksWithSearch(c.Request.Context(), 1, maxExportLimit, excludeStatus, statusFilter, searchQuery)
	if err != nil {
		h.logger.WithError(err).Error("Failed to export tasks")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "导出任务列表失败",
		})
		return
	}

	// 如果有检测结果过滤条件，在内存中过滤
	if unityFilter != "" || versionFilter != "" || generationFilter != "" || confidenceFilter != "" {
		tasks = filterTasksByResult(tasks, unityFilter, versionFilter, generationFilter, confidenceFilter)
	}

	h.logger.WithFields(logrus.Fields{
		"count":  len(tasks),
		"format": format,
	}).Info("Exporting tasks")

	// JSONL 格式: 每行一个任务, 边序列化边写出
	if format == "jsonl" {
		downloadName := fmt.Sprintf("scan_tasks_%s.jsonl", time.Now().Format("20060102_150405"))
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", downloadName))
		c.Header("Content-Type", "application/jsonl")
		c.Status(http.StatusOK)

		writer := utils.NewStreamJSONLWriterTo(c.Writer)
		for _, task := range tasks {
			if err := writer.WriteLine(h.taskToResponse(task)); err != nil {
				h.logger.WithError(err).Warn("Failed to write export line")
				return
			}
		}
		if err := writer.Close(); err != nil {
			h.logger.WithError(err).Warn("Failed to flush export stream")
		}
		return
	}

	// 默认 JSON 格式
	taskList := make([]map[string]interface{}, len(tasks))
	for i, task := range tasks {
		taskList[i] = h.taskToResponse(task)
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": taskList,
		"total": len(taskList),
	})
}

// ListQueuedTasks 获取所有排队中的任务（不分页）
// GET /api/tasks/queued
func (h *TaskHandler) ListQueuedTasks(c *gin.Context) {
	// 排队任务上限 1000 条, 超出部分等待下次查询
	tasks, total, err := h.taskService.ListTasksWithSearch(c.Request.Context(), 1, 1000, "", string(domain.TaskStatusQueued), "")
	if err != nil {
		h.logger.WithError(err).Error("Failed to list queued tasks")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取排队任务列表失败",
		})
		return
	}

	// 转换为响应格式
	var taskResponses []gin.H
	for _, task := range tasks {
		taskResponses = append(taskResponses, h.taskToResponse(task))
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": taskResponses,
		"total": total,
	})
}

// GetTask 获取单个任务详情
// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID := c.Param("id")

	task, err := h.taskService.GetTask(c.Request.Context(), taskID)
	if err != nil {
		h.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get task")
		c.JSON(http.StatusNotFound, gin.H{
			"error": "任务不存在",
		})
		return
	}

	c.JSON(http.StatusOK, h.taskToResponse(task))
}

// DeleteTask 删除任务
// DELETE /api/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	taskID := c.Param("id")

	if err := h.taskService.DeleteTask(c.Request.Context(), taskID); err != nil {
		h.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "删除任务失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "任务删除成功",
	})
}

// BatchDeleteTasks 批量删除任务
// DELETE /api/tasks/batch
// 支持三种删除方式：
// 1. 按任务ID列表删除: {"task_ids": ["id1", "id2"]}
// 2. 按状态删除: {"status": "completed"} 或 {"status": "failed"}
// 3. 删除指定天数之前的任务: {"before_days": 7}
// 4. 删除所有任务: {"status": "all"}
// 可以组合使用状态和天数: {"status": "completed", "before_days": 7}
func (h *TaskHandler) BatchDeleteTasks(c *gin.Context) {
	var req struct {
		TaskIDs    []string `json:"task_ids"`
		Status     string   `json:"status"`
		BeforeDays int      `json:"before_days"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "请求参数格式错误",
		})
		return
	}

	// 验证参数
	if len(req.TaskIDs) == 0 && req.Status == "" && req.BeforeDays == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "请至少提供一个删除条件: task_ids, status 或 before_days",
		})
		return
	}

	deletedCount, err := h.taskService.BatchDeleteTasks(c.Request.Context(), req.TaskIDs, req.Status, req.BeforeDays)
	if err != nil {
		h.logger.WithError(err).Error("Failed to batch delete tasks")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "批量删除任务失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "批量删除成功",
		"deleted_count": deletedCount,
	})
}

// StopTask 停止任务
// POST /api/tasks/:id/stop
// 设置停止标记, 扫描协调器在下一个进度点检查并中止
func (h *TaskHandler) StopTask(c *gin.Context) {
	taskID := c.Param("id")

	if err := h.taskService.CancelTask(c.Request.Context(), taskID); err != nil {
		h.logger.WithError(err).WithField("task_id", taskID).Error("Failed to stop task")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "停止任务失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "任务已标记为停止",
	})
}

// RescanTask 重新扫描任务
// POST /api/tasks/:id/rescan
// 仅终态任务可重新扫描; 重置状态后重新发布到扫描队列
func (h *TaskHandler) RescanTask(c *gin.Context) {
	taskID := c.Param("id")

	task, err := h.taskService.RescanTask(c.Request.Context(), taskID)
	if err != nil {
		h.logger.WithError(err).WithField("task_id", taskID).Error("Failed to rescan task")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "重新扫描失败",
		})
		return
	}

	if h.publisher != nil {
		msg := &queue.ScanMessage{
			TaskID:  task.ID,
			APKName: task.APKName,
			APKPath: task.APKPath,
		}
		if err := h.publisher.PublishScan(c.Request.Context(), msg); err != nil {
			// 任务已重置为 queued, 重启恢复时会重新入队
			h.logger.WithError(err).WithField("task_id", taskID).Error("Failed to republish scan task")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "任务重新入队失败",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "任务已重新入队",
		"task":    h.taskToResponse(task),
	})
}

// GetSystemStats 获取系统统计信息
// GET /api/stats
// 使用数据库聚合查询统计各状态任务数量，避免只统计部分数据的问题
func (h *TaskHandler) GetSystemStats(c *gin.Context) {
	statusCounts, total, err := h.taskService.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计信息失败"})
		return
	}

	versionCounts, err := h.taskService.GetVersionCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get version counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计信息失败"})
		return
	}

	var unityDetected int64
	for _, count := range versionCounts {
		unityDetected += count
	}

	c.JSON(http.StatusOK, gin.H{
		"total_tasks":       total,
		"status_breakdown":  statusCounts,
		"unity_detected":    unityDetected,
		"version_breakdown": versionCounts,
	})
}

// GetVersionStats 获取Unity版本分布统计
// GET /api/versions
// 返回精确版本分布与发行世代聚合, 按数量降序
func (h *TaskHandler) GetVersionStats(c *gin.Context) {
	versionCounts, err := h.taskService.GetVersionCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get version counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取版本统计失败"})
		return
	}

	type versionEntry struct {
		Version    string `json:"version"`
		Generation string `json:"generation,omitempty"`
		Count      int64  `json:"count"`
	}

	var total int64
	generations := make(map[string]int64)
	versions := make([]versionEntry, 0, len(versionCounts))

	for version, count := range versionCounts {
		total += count

		gen := unity.Generation(version)
		genKey := gen
		if genKey == "" {
			genKey = "unknown"
		}
		generations[genKey] += count

		versions = append(versions, versionEntry{
			Version:    version,
			Generation: gen,
			Count:      count,
		})
	}

	// 按数量降序, 数量相同时按版本号排序保证输出稳定
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].Count != versions[j].Count {
			return versions[i].Count > versions[j].Count
		}
		return versions[i].Version < versions[j].Version
	})

	c.JSON(http.StatusOK, gin.H{
		"versions":    versions,
		"generations": generations,
		"total":       total,
	})
}

// taskToResponse 将 Task 模型转换为响应格式
func (h *TaskHandler) taskToResponse(task *domain.Task) map[string]interface{} {
	response := map[string]interface{}{
		"id":               task.ID,
		"apk_name":         task.APKName,
		"apk_path":         task.APKPath,
		"file_size":        task.FileSize,
		"status":           task.Status,
		"created_at":       task.CreatedAt,
		"started_at":       task.StartedAt,
		"completed_at":     task.CompletedAt,
		"current_step":     task.CurrentStep,
		"progress_percent": task.ProgressPercent,
		"error_message":    task.ErrorMessage,
		"should_stop":      task.ShouldStop,
		"retry_count":      task.RetryCount,
		"failure_type":     task.FailureType,
	}

	// 添加失败类型的显示名称和严重程度
	if task.FailureType != "" {
		response["failure_type_display"] = task.FailureType.GetDisplayName()
		response["failure_severity"] = task.FailureType.GetSeverity()
	}

	// 添加 CST 时间格式
	if !task.CreatedAt.IsZero() {
		response["created_at_cst"] = task.CreatedAt.Add(8 * 60 * 60 * 1000000000).Format("2006/01/02 15:04:05")
	}
	if task.StartedAt != nil && !task.StartedAt.IsZero() {
		response["started_at_cst"] = task.StartedAt.Add(8 * 60 * 60 * 1000000000).Format("2006/01/02 15:04:05")
	}
	if task.CompletedAt != nil && !task.CompletedAt.IsZero() {
		response["completed_at_cst"] = task.CompletedAt.Add(8 * 60 * 60 * 1000000000).Format("2006/01/02 15:04:05")
	}

	// 扫描结果
	response["is_unity"] = task.IsUnity
	response["used_deep_scan"] = task.UsedDeepScan
	response["bytes_read"] = task.BytesRead
	response["duration_ms"] = task.DurationMs

	if task.IsUnity {
		response["unity_version"] = task.UnityVersion
		response["confidence"] = task.Confidence
		response["score"] = task.Score

		if task.UnityVersion != "" {
			response["unity_generation"] = unity.Generation(task.UnityVersion)
		}

		if task.MatchedEntry != "" {
			response["matched_entry"] = task.MatchedEntry
			response["matched_entry_display"] = unity.GetCarrierDisplayName(task.MatchedEntry)
		}
	}

	// 版本候选明细（人工复核低置信结果用）
	if len(task.Matches) > 0 {
		matches := make([]map[string]interface{}, len(task.Matches))
		for i, m := range task.Matches {
			matches[i] = map[string]interface{}{
				"entry":           m.Entry,
				"version":         m.Version,
				"raw_token":       m.RawToken,
				"offset":          m.Offset,
				"score":           m.Score,
				"marker_adjacent": m.MarkerAdjacent,
				"phase":           m.Phase,
			}
		}
		response["matches"] = matches
	}

	return response
}
