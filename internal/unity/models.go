package unity

// ScanResult Unity版本扫描结果
type ScanResult struct {
	IsUnity      bool             `json:"is_unity"`             // 是否为Unity应用
	Version      string           `json:"version"`              // 规范化后的版本号 (为空表示未提取到)
	MatchedEntry string           `json:"matched_entry"`        // 版本来源条目
	UsedDeepScan bool             `json:"used_deep_scan"`       // 是否经过深度扫描
	Confidence   string           `json:"confidence"`           // 置信等级: high/low/none
	Score        float64          `json:"score"`                // 最优候选得分 0-1
	Candidates   []MatchCandidate `json:"candidates,omitempty"` // 全部版本候选 (主扫描+深度扫描)
	Diagnostics  []string         `json:"diagnostics"`          // 诊断信息 (需开启IncludeDiagnostics)
	BytesRead    int64            `json:"bytes_read"`           // 扫描读取的字节数
	DurationMs   int64            `json:"duration_ms"`          // 扫描耗时 (毫秒)
}

// Confidence 置信等级枚举
const (
	ConfidenceHigh = "high" // 已知载体命中且得分达标
	ConfidenceLow  = "low"  // 提取到版本但得分不足
	ConfidenceNone = "none" // 未提取到版本
)

// Strategy 版本提取策略枚举
const (
	StrategyHeaderToken  = "header_token"  // 文件头部有界读取后匹配版本文法
	StrategyMarkerWindow = "marker_window" // 定位标记字节后检查邻近窗口
	StrategyTokenSweep   = "token_sweep"   // 按版本起始字节扫描可打印字符串
)

// CarrierRule 已知版本载体规则
type CarrierRule struct {
	Entry       string   // 条目路径 (支持path.Match模式)
	DisplayName string   // 展示名称
	Strategy    string   // 提取策略
	Markers     []string // 标记字节序列 (marker_window策略使用)
	Weight      float64  // 置信权重 0-1
	MaxRead     int64    // 单条目最大读取字节数
	Priority    int      // 优先级 (越大越优先扫描)
}

// MatchCandidate 版本候选
type MatchCandidate struct {
	Raw            string  `json:"raw"`             // 原始匹配字符串
	Normalized     string  `json:"normalized"`      // 规范化版本号
	Entry          string  `json:"entry"`           // 来源条目
	Offset         int64   `json:"offset"`          // 条目内字节偏移
	Score          float64 `json:"score"`           // 置信得分 0-1
	MarkerAdjacent bool    `json:"marker_adjacent"` // 是否邻近引擎标记
	Phase          string  `json:"phase"`           // 来源阶段: primary/deep
}

// ScanPhase 扫描阶段枚举 (状态机状态)
type ScanPhase string

const (
	PhaseIdle        ScanPhase = "idle"
	PhaseOpening     ScanPhase = "opening"
	PhasePrimaryScan ScanPhase = "primary_scan"
	PhaseDeepScan    ScanPhase = "deep_scan"
	PhaseFinalizing  ScanPhase = "finalizing"
	PhaseDone        ScanPhase = "done"
	PhaseFailed      ScanPhase = "failed"
	PhaseCancelled   ScanPhase = "cancelled"
)

// ScanProgress 扫描进度 (仅用于上报, 不影响扫描本身)
type ScanProgress struct {
	Phase   ScanPhase `json:"phase"`   // 当前阶段
	Step    string    `json:"step"`    // 当前步骤
	Percent int       `json:"percent"` // 进度百分比 (单调递增)
}

// ProgressFunc 进度回调
type ProgressFunc func(p ScanProgress)

// DeepScanWeights 深度扫描候选排序权重 (标记邻近 > 裸文法)
type DeepScanWeights struct {
	Base           float64 // 基础分 (裸文法匹配)
	MarkerAdjacent float64 // 邻近引擎标记加分
	PlausibleMajor float64 // 可信Unity主版本加分
	DataPath       float64 // assets/bin/ 数据目录加分
}

// Options 扫描配置
type Options struct {
	DeepScanByteCeiling        int64           // 深度扫描总字节预算
	PrimaryConfidenceThreshold float64         // 主扫描提前终止阈值
	IncludeDiagnostics         bool            // 是否在结果中附带诊断信息
	MaxEntryRead               int64           // 深度扫描单条目大小上限
	DeepScanEntryLimit         int             // 深度扫描条目数量上限
	DeepScanWeights            DeepScanWeights // 深度扫描候选排序权重 (零值整体替换为默认)
}

const (
	defaultDeepScanByteCeiling        = 64 << 20 // 64MB
	defaultPrimaryConfidenceThreshold = 0.8
	defaultMaxEntryRead               = 8 << 20 // 8MB
	defaultDeepScanEntryLimit         = 20
)

var defaultDeepScanWeights = DeepScanWeights{
	Base:           0.45,
	MarkerAdjacent: 0.25,
	PlausibleMajor: 0.15,
	DataPath:       0.05,
}

// DefaultOptions 返回默认扫描配置
func DefaultOptions() Options {
	return Options{
		DeepScanByteCeiling:        defaultDeepScanByteCeiling,
		PrimaryConfidenceThreshold: defaultPrimaryConfidenceThreshold,
		IncludeDiagnostics:         false,
		MaxEntryRead:               defaultMaxEntryRead,
		DeepScanEntryLimit:         defaultDeepScanEntryLimit,
		DeepScanWeights:            defaultDeepScanWeights,
	}
}

// withDefaults 为零值字段填充默认值
func (o Options) withDefaults() Options {
	if o.DeepScanByteCeiling <= 0 {
		o.DeepScanByteCeiling = defaultDeepScanByteCeiling
	}
	if o.PrimaryConfidenceThreshold <= 0 {
		o.PrimaryConfidenceThreshold = defaultPrimaryConfidenceThreshold
	}
	if o.MaxEntryRead <= 0 {
		o.MaxEntryRead = defaultMaxEntryRead
	}
	if o.DeepScanEntryLimit <= 0 {
		o.DeepScanEntryLimit = defaultDeepScanEntryLimit
	}
	if o.DeepScanWeights == (DeepScanWeights{}) {
		o.DeepScanWeights = defaultDeepScanWeights
	}
	return o
}

// phaseResult 单阶段扫描汇总
type phaseResult struct {
	best           *MatchCandidate
	candidates     []MatchCandidate
	diagnostics    []string
	bytesRead      int64
	entriesScanned int
}
