package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unity-scan/unity-scan-go/internal/config"
	"github.com/unity-scan/unity-scan-go/internal/domain"
	"github.com/unity-scan/unity-scan-go/internal/repository"
	"github.com/unity-scan/unity-scan-go/internal/unity"
)

// Orchestrator 扫描编排器
// 负责单个任务的完整生命周期: 加载任务 -> 执行引擎扫描 -> 落库结果/失败/取消
type Orchestrator struct {
	engine              *unity.Engine
	taskRepo            repository.TaskRepository
	logger              *logrus.Logger
	progressBroadcaster ProgressBroadcaster
}

// ProgressBroadcaster 扫描进度广播接口 (WebSocket实时推送)
type ProgressBroadcaster interface {
	BroadcastProgress(taskID string, status string, step string, percent int)
	BroadcastStatus(taskID string, status string)
	BroadcastResult(taskID string, isUnity bool, version string, confidence string)
}

// phaseStatus 引擎扫描阶段到任务状态的映射
// 终态 (done/failed/cancelled) 由扫描返回后统一落库, 不在进度回调中处理
var phaseStatus = map[unity.ScanPhase]domain.TaskStatus{
	unity.PhaseOpening:     domain.TaskStatusOpening,
	unity.PhasePrimaryScan: domain.TaskStatusScanning,
	unity.PhaseDeepScan:    domain.TaskStatusDeepScanning,
}

// stepDisplay 引擎步骤标识到展示文案的映射
var stepDisplay = map[string]string{
	"validating_package":      "校验APK文件",
	"opening_archive":         "打开APK归档",
	"checking_unity_markers":  "检查Unity特征",
	"scanning_known_carriers": "扫描已知版本载体",
	"extracting_version_data": "提取版本数据",
	"parsing_version":         "解析版本号",
	"deep_scanning":           "深度扫描中",
	"finalizing":              "汇总扫描结果",
}

// NewOrchestrator 创建编排器
// 扫描参数从配置读取, 零值字段由引擎默认值填充
func NewOrchestrator(taskRepo repository.TaskRepository, scanCfg *config.ScanConfig, logger *logrus.Logger) *Orchestrator {
	opts := unity.DefaultOptions()
	if scanCfg != nil {
		if scanCfg.DeepScanByteCeilingMB > 0 {
			opts.DeepScanByteCeiling = int64(scanCfg.DeepScanByteCeilingMB) << 20
		}
		if scanCfg.PrimaryConfidenceThreshold > 0 {
			opts.PrimaryConfidenceThreshold = scanCfg.PrimaryConfidenceThreshold
		}
		if scanCfg.MaxEntryReadMB > 0 {
			opts.MaxEntryRead = int64(scanCfg.MaxEntryReadMB) << 20
		}
		if scanCfg.DeepScanEntryLimit > 0 {
			opts.DeepScanEntryLimit = scanCfg.DeepScanEntryLimit
		}
		opts.IncludeDiagnostics = scanCfg.IncludeDiagnostics
	}

	logger.WithFields(logrus.Fields{
		"deep_scan_byte_ceiling": opts.DeepScanByteCeiling,
		"confidence_threshold":   opts.PrimaryConfidenceThreshold,
		"deep_scan_entry_limit":  opts.DeepScanEntryLimit,
		"include_diagnostics":    opts.IncludeDiagnostics,
	}).Info("✅ Scan orchestrator initialized")

	return &Orchestrator{
		engine:   unity.NewEngine(opts, logger),
		taskRepo: taskRepo,
		logger:   logger,
	}
}

// SetProgressBroadcaster 设置进度广播器（用于实时推送到前端）
func (o *Orchestrator) SetProgressBroadcaster(broadcaster ProgressBroadcaster) {
	o.progressBroadcaster = broadcaster
}

// ExecuteScan 执行完整扫描任务
func (o *Orchestrator) ExecuteScan(ctx context.Context, taskID, apkPath string) error {
	o.logger.WithField("task_id", taskID).Info("Starting scan task execution")

	// 1. 加载任务并检查状态
	task, err := o.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}

	if task.Status.IsTerminal() {
		// 任务在入队后被取消或已处理过 (消息重复投递), 直接确认消息
		o.logger.WithFields(logrus.Fields{
			"task_id": taskID,
			"status":  task.Status,
		}).Info("Task already in terminal state, skipping scan")
		return nil
	}

	if task.ShouldStop {
		o.logger.WithField("task_id", taskID).Info("Task marked for stop before scan started")
		return o.markCancelled(ctx, taskID)
	}

	// 2. 创建可取消的扫描上下文, 进度回调中轮询停止标志
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopRequested := false
	lastPhase := unity.PhaseIdle
	currentStatus := task.Status

	onProgress := func(p unity.ScanProgress) {
		if p.Phase == unity.PhaseDone || p.Phase == unity.PhaseFailed || p.Phase == unity.PhaseCancelled {
			return
		}

		// 轮询用户停止标志, 命中后取消扫描上下文
		if !stopRequested {
			stop, stopErr := o.taskRepo.ShouldStop(ctx, taskID)
			if stopErr != nil {
				o.logger.WithError(stopErr).WithField("task_id", taskID).Debug("Failed to poll stop flag")
			} else if stop {
				stopRequested = true
				o.logger.WithField("task_id", taskID).Info("Stop flag detected, cancelling scan")
				cancel()
				return
			}
		}

		// 阶段变化时更新任务状态
		if p.Phase != lastPhase {
			if status, ok := phaseStatus[p.Phase]; ok {
				if updateErr := o.taskRepo.UpdateStatus(ctx, taskID, status); updateErr != nil {
					o.logger.WithError(updateErr).WithField("task_id", taskID).Warn("Failed to update task status")
				}
				currentStatus = status
			}
			lastPhase = p.Phase
		}

		if updateErr := o.taskRepo.UpdateProgress(ctx, taskID, displayStep(p.Step), p.Percent); updateErr != nil {
			o.logger.WithError(updateErr).WithField("task_id", taskID).Warn("Failed to update task progress")
		}

		if o.progressBroadcaster != nil {
			o.progressBroadcaster.BroadcastProgress(taskID, string(currentStatus), displayStep(p.Step), p.Percent)
		}
	}

	// 3. 执行扫描
	result, err := o.engine.ScanWithProgress(scanCtx, apkPath, onProgress)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if stopRequested {
				// 用户主动取消: 落库取消状态, 消息正常确认
				o.logger.WithField("task_id", taskID).Info("Scan cancelled by user")
				return o.markCancelled(ctx, taskID)
			}

			// 外部取消 (服务关闭/消费者重启): 保持任务当前状态, 等待启动恢复时重新入队
			o.logger.WithError(err).WithField("task_id", taskID).Warn("Scan interrupted by shutdown, task left for recovery")
			return err
		}

		return o.failTask(ctx, taskID, err)
	}

	// 4. 落库扫描结果
	outcome := &repository.ScanOutcome{
		IsUnity:      result.IsUnity,
		Version:      result.Version,
		MatchedEntry: result.MatchedEntry,
		Confidence:   result.Confidence,
		Score:        result.Score,
		UsedDeepScan: result.UsedDeepScan,
		BytesRead:    result.BytesRead,
		DurationMs:   result.DurationMs,
	}

	if err := o.taskRepo.SaveResult(ctx, taskID, outcome); err != nil {
		return fmt.Errorf("failed to save scan result: %w", err)
	}

	// 5. 落库版本候选明细 (失败只告警, 不影响任务结果)
	if matches := buildMatches(result.Candidates); len(matches) > 0 {
		if err := o.taskRepo.SaveMatches(ctx, taskID, matches); err != nil {
			o.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to save match candidates")
		}
	}

	if o.progressBroadcaster != nil {
		o.progressBroadcaster.BroadcastResult(taskID, result.IsUnity, result.Version, result.Confidence)
	}

	o.logger.WithFields(logrus.Fields{
		"task_id":        taskID,
		"summary":        o.engine.GetScanSummary(result),
		"confidence":     result.Confidence,
		"used_deep_scan": result.UsedDeepScan,
		"duration_ms":    result.DurationMs,
	}).Info("✅ Scan task completed")

	return nil
}

// markCancelled 落库取消状态
func (o *Orchestrator) markCancelled(ctx context.Context, taskID string) error {
	if err := o.taskRepo.UpdateStatus(ctx, taskID, domain.TaskStatusCancelled); err != nil {
		o.logger.WithError(err).WithField("task_id", taskID).Error("Failed to mark task cancelled")
		return err
	}
	if o.progressBroadcaster != nil {
		o.progressBroadcaster.BroadcastStatus(taskID, string(domain.TaskStatusCancelled))
	}
	return nil
}

// failTask 落库失败状态与失败分类
// 扫描失败不自动重试, 需要时通过重扫接口手动触发
func (o *Orchestrator) failTask(ctx context.Context, taskID string, err error) error {
	failureType := ClassifyFailure(err)

	if updateErr := o.taskRepo.UpdateFailure(ctx, taskID, failureType, err.Error()); updateErr != nil {
		o.logger.WithError(updateErr).WithField("task_id", taskID).Error("Failed to update task failure")
	}

	if o.progressBroadcaster != nil {
		o.progressBroadcaster.BroadcastStatus(taskID, string(domain.TaskStatusFailed))
	}

	o.logger.WithFields(logrus.Fields{
		"task_id":          taskID,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"error":            err.Error(),
	}).Error("❌ Scan task failed")

	return err
}

// ClassifyFailure 将扫描错误归类为失败类型
func ClassifyFailure(err error) domain.FailureType {
	if err == nil {
		return domain.FailureTypeNone
	}

	switch {
	case errors.Is(err, unity.ErrNotAnArchive):
		return domain.FailureTypeNotAnArchive
	case errors.Is(err, unity.ErrCorruptArchive):
		return domain.FailureTypeCorruptArchive
	case errors.Is(err, unity.ErrUnreadable):
		return domain.FailureTypeUnreadable
	case errors.Is(err, unity.ErrEntryRead), errors.Is(err, unity.ErrCorruptEntry):
		return domain.FailureTypeIOError
	case errors.Is(err, unity.ErrEntryNotFound):
		// 条目在枚举后消失, 属于引擎内部不一致
		return domain.FailureTypeInternal
	case strings.Contains(err.Error(), "phase transition"):
		return domain.FailureTypeInternal
	}

	return domain.FailureTypeUnknown
}

// displayStep 引擎步骤标识转展示文案
func displayStep(step string) string {
	if display, ok := stepDisplay[step]; ok {
		return display
	}
	return step
}

// buildMatches 将引擎版本候选转换为任务匹配记录
func buildMatches(candidates []unity.MatchCandidate) []domain.TaskMatch {
	if len(candidates) == 0 {
		return nil
	}

	matches := make([]domain.TaskMatch, 0, len(candidates))
	for _, cand := range candidates {
		matches = append(matches, domain.TaskMatch{
			Entry:          cand.Entry,
			RawToken:       cand.Raw,
			Version:        cand.Normalized,
			Offset:         cand.Offset,
			Score:          cand.Score,
			MarkerAdjacent: cand.MarkerAdjacent,
			Phase:          cand.Phase,
		})
	}
	return matches
}

// ScanDuration 计算任务扫描耗时
// 未开始返回0, 进行中返回距开始时间的耗时
func ScanDuration(task *domain.Task) time.Duration {
	if task.StartedAt == nil {
		return 0
	}
	if task.CompletedAt != nil {
		return task.CompletedAt.Sub(*task.StartedAt)
	}
	return time.Since(*task.StartedAt)
}
