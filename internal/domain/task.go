package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusOpening      TaskStatus = "opening"
	TaskStatusScanning     TaskStatus = "scanning"
	TaskStatusDeepScanning TaskStatus = "deep_scanning"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// IsTerminal 检查状态是否为终态
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ActiveStatuses 非终态列表 (用于重启后重新入队)
func ActiveStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusQueued,
		TaskStatusOpening,
		TaskStatusScanning,
		TaskStatusDeepScanning,
	}
}

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone           FailureType = ""                // 无失败（成功或进行中）
	FailureTypeNotAnArchive   FailureType = "not_an_archive"  // 不是ZIP归档（警告-文件问题）
	FailureTypeCorruptArchive FailureType = "corrupt_archive" // 归档中央目录损坏（警告-文件问题）
	FailureTypeUnreadable     FailureType = "unreadable"      // 文件不存在或无权限（警告-环境问题）
	FailureTypeIOError        FailureType = "io_error"        // 条目读取IO错误（异常-系统问题）
	FailureTypeInternal       FailureType = "internal"        // 扫描引擎内部错误（异常-程序问题）
	FailureTypeUnknown        FailureType = "unknown"         // 未知错误（异常）
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常（可忽略）
	FailureSeverityWarning FailureSeverity = "warning" // 警告（需要关注）
	FailureSeverityError   FailureSeverity = "error"   // 错误（需要排查）
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeNotAnArchive, FailureTypeCorruptArchive, FailureTypeUnreadable:
		return FailureSeverityWarning // 文件本身问题，需关注来源
	case FailureTypeIOError, FailureTypeInternal, FailureTypeUnknown:
		return FailureSeverityError // 系统问题，需排查
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeNotAnArchive:
		return "非ZIP归档"
	case FailureTypeCorruptArchive:
		return "归档损坏"
	case FailureTypeUnreadable:
		return "文件不可读"
	case FailureTypeIOError:
		return "读取错误"
	case FailureTypeInternal:
		return "内部错误"
	case FailureTypeUnknown:
		return "未知错误"
	default:
		return "未知错误"
	}
}

// GetMaxRetryCount 获取失败类型对应的最大重新入队次数
// 返回 0 表示不重新入队; 扫描本身从不自动重试,
// 该计数只约束服务重启后对中断任务的恢复
func (ft FailureType) GetMaxRetryCount() int {
	switch ft {
	case FailureTypeNone:
		return 0 // 成功不需要重试
	case FailureTypeNotAnArchive, FailureTypeCorruptArchive:
		return 0 // 文件本身损坏，重试无意义
	case FailureTypeUnreadable, FailureTypeIOError:
		return 1 // 环境问题，可重试1次
	case FailureTypeInternal, FailureTypeUnknown:
		return 1 // 程序问题，重试1次
	default:
		return 0
	}
}

// CanRetry 检查失败类型是否可以重新入队
func (ft FailureType) CanRetry() bool {
	return ft.GetMaxRetryCount() > 0
}

// Task 扫描任务表
type Task struct {
	ID              string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKName         string      `gorm:"type:varchar(255);not null;index:idx_apk_name" json:"apk_name"`
	APKPath         string      `gorm:"type:varchar(500);not null" json:"apk_path"`
	FileSize        int64       `gorm:"default:0" json:"file_size"`
	Status          TaskStatus  `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	ShouldStop      bool        `gorm:"default:false" json:"should_stop"`
	FailureType     FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage    string      `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount      int         `gorm:"type:tinyint;default:0" json:"retry_count"`
	CreatedAt       time.Time   `gorm:"not null" json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	CurrentStep     string      `gorm:"type:varchar(255)" json:"current_step,omitempty"`
	ProgressPercent int         `gorm:"type:tinyint;default:0" json:"progress_percent"`

	// 扫描结果
	IsUnity      bool    `gorm:"default:false" json:"is_unity"`
	UnityVersion string  `gorm:"type:varchar(50)" json:"unity_version,omitempty"`
	MatchedEntry string  `gorm:"type:varchar(500)" json:"matched_entry,omitempty"`
	Confidence   string  `gorm:"type:varchar(10)" json:"confidence,omitempty"`
	Score        float64 `gorm:"type:decimal(4,3);default:0" json:"score"`
	UsedDeepScan bool    `gorm:"default:false" json:"used_deep_scan"`
	BytesRead    int64   `gorm:"default:0" json:"bytes_read"`
	DurationMs   int64   `gorm:"default:0" json:"duration_ms"`

	// 关联
	Matches []TaskMatch `gorm:"foreignKey:TaskID;references:ID" json:"matches,omitempty"`
}

func (Task) TableName() string {
	return "scan_tasks"
}

// TaskMatch 版本候选明细表
// 记录扫描过程中提取到的全部候选, 供人工复核低置信结果
type TaskMatch struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID         string    `gorm:"type:varchar(36);index:idx_task_id;not null" json:"task_id"`
	Entry          string    `gorm:"type:varchar(500);not null" json:"entry"`
	RawToken       string    `gorm:"type:varchar(100)" json:"raw_token,omitempty"`
	Version        string    `gorm:"type:varchar(50);not null;index:idx_version" json:"version"`
	Offset         int64     `gorm:"default:0" json:"offset"`
	Score          float64   `gorm:"type:decimal(4,3);default:0" json:"score"`
	MarkerAdjacent bool      `gorm:"default:false" json:"marker_adjacent"`
	Phase          string    `gorm:"type:varchar(10)" json:"phase"` // primary, deep
	CreatedAt      time.Time `json:"created_at"`
}

func (TaskMatch) TableName() string {
	return "task_matches"
}
