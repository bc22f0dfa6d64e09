package unity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// 各阶段进度百分比
const (
	percentValidating = 5
	percentOpening    = 10
	percentChecking   = 15
	percentScanning   = 25
	percentExtracting = 40
	percentParsing    = 70
	percentDeepScan   = 85
	percentFinalizing = 100
)

// phaseTransitions 状态机合法迁移表 (不允许跳级或回退)
var phaseTransitions = map[ScanPhase][]ScanPhase{
	PhaseIdle:        {PhaseOpening},
	PhaseOpening:     {PhasePrimaryScan, PhaseFailed, PhaseCancelled},
	PhasePrimaryScan: {PhaseDeepScan, PhaseFinalizing, PhaseFailed, PhaseCancelled},
	PhaseDeepScan:    {PhaseFinalizing, PhaseFailed, PhaseCancelled},
	PhaseFinalizing:  {PhaseDone, PhaseFailed, PhaseCancelled},
}

// Engine Unity版本扫描引擎
// 单次扫描内部串行执行, 多次扫描之间无共享可变状态, 可并发调用
type Engine struct {
	detector *Detector
	opts     Options
	logger   *logrus.Logger
}

// NewEngine 创建扫描引擎
func NewEngine(opts Options, logger *logrus.Logger) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		detector: NewDetector(opts, logger),
		opts:     opts,
		logger:   logger,
	}
}

// Scan 执行一次扫描
func (e *Engine) Scan(ctx context.Context, apkPath string) (*ScanResult, error) {
	return e.ScanWithProgress(ctx, apkPath, nil)
}

// ScanWithProgress 执行一次扫描并通过回调上报进度
// 输入类错误在扫描开始前终止; 取消返回ctx错误且不产生部分结果;
// 单个条目的损坏只记录诊断, 不终止扫描
func (e *Engine) ScanWithProgress(ctx context.Context, apkPath string, progress ProgressFunc) (*ScanResult, error) {
	run := newScanRun(progress)
	started := time.Now()

	e.logger.WithField("apk", apkPath).Debug("Starting unity version scan")

	// 1. 校验并打开归档
	if err := run.advance(PhaseOpening, "validating_package", percentValidating); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		run.cancel()
		return nil, err
	}

	ar, err := OpenArchive(apkPath)
	if err != nil {
		run.fail()
		e.logger.WithError(err).WithField("apk", apkPath).Warn("Failed to open package")
		return nil, err
	}
	defer ar.Close()
	run.emit("opening_archive", percentOpening)

	// 2. Unity特征预检
	if err := run.advance(PhasePrimaryScan, "checking_unity_markers", percentChecking); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		run.cancel()
		return nil, err
	}

	if !e.isUnityPackage(ar) {
		result := &ScanResult{
			IsUnity:    false,
			Confidence: ConfidenceNone,
			DurationMs: time.Since(started).Milliseconds(),
		}
		if e.opts.IncludeDiagnostics {
			result.Diagnostics = []string{fmt.Sprintf("no unity indicators among %d entries", ar.EntryCount())}
		}
		if err := run.advance(PhaseFinalizing, "finalizing", percentFinalizing); err != nil {
			return nil, err
		}
		if err := run.advance(PhaseDone, "done", percentFinalizing); err != nil {
			return nil, err
		}
		e.logger.WithField("apk", apkPath).Info("Package is not a Unity application")
		return result, nil
	}

	// 3. 主扫描: 按优先级检查已知载体
	run.emit("scanning_known_carriers", percentScanning)
	run.emit("extracting_version_data", percentExtracting)

	primary, err := e.detector.PrimaryScan(ctx, ar)
	if err != nil {
		run.cancel()
		return nil, err
	}
	run.emit("parsing_version", percentParsing)

	best := primary.best
	accepted := best != nil && best.Score >= e.opts.PrimaryConfidenceThreshold

	// 4. 主扫描未达标时进入深度扫描
	var deep *phaseResult
	if !accepted {
		if err := run.advance(PhaseDeepScan, "deep_scanning", percentDeepScan); err != nil {
			return nil, err
		}

		deep, err = e.detector.DeepScan(ctx, ar)
		if err != nil {
			run.cancel()
			return nil, err
		}
		if deep.best != nil && (best == nil || deep.best.Score > best.Score) {
			best = deep.best
		}
	}

	// 5. 汇总结果
	if err := run.advance(PhaseFinalizing, "finalizing", percentFinalizing); err != nil {
		return nil, err
	}

	result := e.buildResult(best, primary, deep)
	result.DurationMs = time.Since(started).Milliseconds()
	if e.opts.IncludeDiagnostics {
		result.Diagnostics = buildDiagnostics(ar, primary, deep)
	}

	if err := run.advance(PhaseDone, "done", percentFinalizing); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"apk":            apkPath,
		"version":        result.Version,
		"matched_entry":  result.MatchedEntry,
		"confidence":     result.Confidence,
		"used_deep_scan": result.UsedDeepScan,
		"duration_ms":    result.DurationMs,
	}).Info("Unity version scan completed")

	return result, nil
}

// isUnityPackage 检查归档内是否存在Unity特征条目
func (e *Engine) isUnityPackage(ar *Archive) bool {
	for _, file := range ar.Entries() {
		if IsUnityIndicator(file.Name) {
			return true
		}
	}
	return false
}

// buildResult 汇总两阶段扫描结果
func (e *Engine) buildResult(best *MatchCandidate, primary, deep *phaseResult) *ScanResult {
	result := &ScanResult{
		IsUnity:      true,
		UsedDeepScan: deep != nil,
		Confidence:   ConfidenceNone,
		BytesRead:    primary.bytesRead,
		Candidates:   primary.candidates,
	}
	if deep != nil {
		result.BytesRead += deep.bytesRead
		result.Candidates = append(result.Candidates, deep.candidates...)
	}

	if best != nil {
		result.Version = best.Normalized
		result.MatchedEntry = best.Entry
		result.Score = best.Score
		if best.Score >= e.opts.PrimaryConfidenceThreshold {
			result.Confidence = ConfidenceHigh
		} else {
			result.Confidence = ConfidenceLow
		}
	}

	return result
}

// GetScanSummary 获取扫描结果摘要信息
func (e *Engine) GetScanSummary(result *ScanResult) string {
	if !result.IsUnity {
		return "非Unity应用"
	}
	if result.Version == "" {
		return "Unity应用, 未提取到版本号"
	}

	var summary strings.Builder
	summary.WriteString("Unity ")
	summary.WriteString(result.Version)
	summary.WriteString(" (")
	summary.WriteString(GetCarrierDisplayName(result.MatchedEntry))
	summary.WriteString(")")

	if result.UsedDeepScan {
		summary.WriteString(" [深度扫描]")
	}

	return summary.String()
}

// buildDiagnostics 汇总诊断信息
func buildDiagnostics(ar *Archive, primary, deep *phaseResult) []string {
	const candidateListCap = 10

	diagnostics := []string{
		fmt.Sprintf("archive entries: %d", ar.EntryCount()),
		fmt.Sprintf("primary scan: %d entries, %d bytes, %d candidates",
			primary.entriesScanned, primary.bytesRead, len(primary.candidates)),
	}
	diagnostics = append(diagnostics, primary.diagnostics...)

	candidates := primary.candidates
	if deep != nil {
		diagnostics = append(diagnostics, fmt.Sprintf("deep scan: %d entries, %d bytes, %d candidates",
			deep.entriesScanned, deep.bytesRead, len(deep.candidates)))
		diagnostics = append(diagnostics, deep.diagnostics...)
		candidates = append(candidates, deep.candidates...)
	}

	for i, cand := range candidates {
		if i >= candidateListCap {
			diagnostics = append(diagnostics, fmt.Sprintf("... and %d more candidates", len(candidates)-candidateListCap))
			break
		}
		diagnostics = append(diagnostics, fmt.Sprintf("candidate %s entry=%s offset=%d score=%.2f phase=%s marker_adjacent=%t",
			cand.Normalized, cand.Entry, cand.Offset, cand.Score, cand.Phase, cand.MarkerAdjacent))
	}

	return diagnostics
}

// scanRun 单次扫描的状态机与进度高水位
type scanRun struct {
	phase    ScanPhase
	percent  int
	progress ProgressFunc
}

func newScanRun(progress ProgressFunc) *scanRun {
	return &scanRun{
		phase:    PhaseIdle,
		progress: progress,
	}
}

// advance 迁移到下一状态并上报进度
func (r *scanRun) advance(to ScanPhase, step string, percent int) error {
	if !canTransition(r.phase, to) {
		return fmt.Errorf("illegal scan phase transition: %s -> %s", r.phase, to)
	}
	r.phase = to
	r.emit(step, percent)
	return nil
}

// emit 上报当前状态内的进度, 百分比只进不退
func (r *scanRun) emit(step string, percent int) {
	if percent > r.percent {
		r.percent = percent
	}
	if r.progress != nil {
		r.progress(ScanProgress{
			Phase:   r.phase,
			Step:    step,
			Percent: r.percent,
		})
	}
}

// fail 迁移到失败终态, 保持当前百分比
// 失败与取消从任意进行中状态均合法
func (r *scanRun) fail() {
	_ = r.advance(PhaseFailed, "failed", r.percent)
}

// cancel 迁移到取消终态, 保持当前百分比
func (r *scanRun) cancel() {
	_ = r.advance(PhaseCancelled, "cancelled", r.percent)
}

// canTransition 检查状态迁移是否合法
func canTransition(from, to ScanPhase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
