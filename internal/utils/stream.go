package utils

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
)

// writerBufSize 写缓冲大小
const writerBufSize = 64 * 1024

// StreamJSONLWriter 流式JSONL写入器
// 逐行编码扫描结果, 用于导出接口与命令行输出
type StreamJSONLWriter struct {
	file   *os.File // 仅文件模式持有; 包装外部writer时为nil
	writer *bufio.Writer
}

// NewStreamJSONLWriter 以追加模式打开文件并创建写入器
func NewStreamJSONLWriter(filePath string) (*StreamJSONLWriter, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &StreamJSONLWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, writerBufSize),
	}, nil
}

// NewStreamJSONLWriterTo 包装任意 io.Writer (如HTTP响应流)
// 调用方负责底层writer的生命周期, Close只刷新缓冲
func NewStreamJSONLWriterTo(w io.Writer) *StreamJSONLWriter {
	return &StreamJSONLWriter{
		writer: bufio.NewWriterSize(w, writerBufSize),
	}
}

// WriteLine 编码data并写入一行
func (w *StreamJSONLWriter) WriteLine(data interface{}) error {
	line, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(line); err != nil {
		return err
	}
	_, err = w.writer.WriteString("\n")
	return err
}

// Flush 刷新缓冲区
func (w *StreamJSONLWriter) Flush() error {
	return w.writer.Flush()
}

// Close 刷新缓冲并关闭文件 (文件模式)
func (w *StreamJSONLWriter) Close() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}
