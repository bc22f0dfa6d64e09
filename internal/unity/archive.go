package unity

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// zipMagic ZIP本地文件头魔数
var zipMagic = []byte{0x50, 0x4B} // "PK"

// Archive APK归档访问器
// 以ZIP随机访问方式读取条目, 不落盘解压
type Archive struct {
	path   string
	reader *zip.ReadCloser
	index  map[string]*zip.File
}

// OpenArchive 打开APK归档
// 区分三类失败: 文件不可读 / 非ZIP格式 / ZIP目录损坏
func OpenArchive(apkPath string) (*Archive, error) {
	// 1. 检查文件可读性
	f, err := os.Open(apkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	// 2. 校验魔数, 非ZIP直接拒绝
	magic := make([]byte, 2)
	n, err := io.ReadFull(f, magic)
	f.Close()
	if err != nil || n < 2 || !bytes.Equal(magic, zipMagic) {
		return nil, fmt.Errorf("%w: %s", ErrNotAnArchive, apkPath)
	}

	// 3. 解析ZIP中央目录
	reader, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	// 4. 建立条目索引
	index := make(map[string]*zip.File, len(reader.File))
	for _, file := range reader.File {
		index[file.Name] = file
	}

	return &Archive{
		path:   apkPath,
		reader: reader,
		index:  index,
	}, nil
}

// Close 关闭归档
func (a *Archive) Close() error {
	return a.reader.Close()
}

// Path 返回归档文件路径
func (a *Archive) Path() string {
	return a.path
}

// EntryCount 返回条目总数
func (a *Archive) EntryCount() int {
	return len(a.reader.File)
}

// Entries 返回全部条目
func (a *Archive) Entries() []*zip.File {
	return a.reader.File
}

// Entry 按名称查找条目
func (a *Archive) Entry(name string) (*zip.File, bool) {
	file, ok := a.index[name]
	return file, ok
}

// Glob 按路径模式查找条目
func (a *Archive) Glob(pattern string) []*zip.File {
	var matched []*zip.File
	for _, file := range a.reader.File {
		if ok, _ := path.Match(pattern, file.Name); ok {
			matched = append(matched, file)
		}
	}
	return matched
}

// HasEntryWithPrefix 检查是否存在指定前缀的条目
func (a *Archive) HasEntryWithPrefix(prefix string) bool {
	for _, file := range a.reader.File {
		if strings.HasPrefix(file.Name, prefix) {
			return true
		}
	}
	return false
}

// ReadEntryPrefix 读取条目解压后的前max字节
// 条目损坏返回ErrCorruptEntry, 读取失败返回ErrEntryRead, 均可局部恢复
func (a *Archive) ReadEntryPrefix(name string, max int64) ([]byte, error) {
	file, ok := a.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return a.readFilePrefix(file, max)
}

// ReadFilePrefix 读取已定位条目解压后的前max字节
func (a *Archive) ReadFilePrefix(file *zip.File, max int64) ([]byte, error) {
	return a.readFilePrefix(file, max)
}

func (a *Archive) readFilePrefix(file *zip.File, max int64) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, file.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, max))
	if err != nil {
		// 把解压层错误与IO层错误分开, 便于诊断统计
		if isDecompressionError(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, file.Name, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrEntryRead, file.Name, err)
	}

	return data, nil
}

// isDecompressionError 判断是否为解压层错误 (条目数据损坏)
func isDecompressionError(err error) bool {
	if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) {
		return true
	}
	var corrupt flate.CorruptInputError
	if errors.As(err, &corrupt) {
		return true
	}
	var internal flate.InternalError
	return errors.As(err, &internal)
}
