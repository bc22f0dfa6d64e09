package unity

import "errors"

// 输入类错误: 在任何扫描开始前终止本次请求
var (
	ErrUnreadable     = errors.New("package unreadable")
	ErrNotAnArchive   = errors.New("not a zip archive")
	ErrCorruptArchive = errors.New("corrupt archive")
	ErrEntryNotFound  = errors.New("entry not found")
)

// 提取类错误: 在单个条目内局部恢复, 不终止扫描
var (
	ErrCorruptEntry         = errors.New("corrupt entry")
	ErrEntryRead            = errors.New("entry read failed")
	ErrInvalidVersionFormat = errors.New("invalid version format")
)

// IsInputError 判断是否为输入类错误 (不可恢复, 需重新发起扫描)
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnreadable) ||
		errors.Is(err, ErrNotAnArchive) ||
		errors.Is(err, ErrCorruptArchive) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsRecoverableError 判断是否为可局部恢复的提取类错误
func IsRecoverableError(err error) bool {
	return errors.Is(err, ErrCorruptEntry) ||
		errors.Is(err, ErrEntryRead) ||
		errors.Is(err, ErrInvalidVersionFormat)
}
