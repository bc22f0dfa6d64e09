package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/unity-scan/unity-scan-go/internal/middleware"
)

const (
	// maxUploadSize 单个APK上传大小上限
	maxUploadSize = int64(500 * 1024 * 1024) // 500MB
	// maxBatchFiles 单次批量上传的文件数上限
	maxBatchFiles = 100
)

// uploadResult 批量上传的单文件结果
type uploadResult struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Status   string `json:"status"` // success, error, skipped
	Error    string `json:"error,omitempty"`
}

// FileHandler 文件处理器
// 上传的APK落盘到监听目录, 由文件监听器创建扫描任务
type FileHandler struct {
	logger      *logrus.Logger
	inboundPath string // inbound_apks 目录路径
	metrics     *middleware.PrometheusMetrics
}

// NewFileHandler 创建文件处理器实例
func NewFileHandler(logger *logrus.Logger, inboundPath string, metrics *middleware.PrometheusMetrics) *FileHandler {
	return &FileHandler{
		logger:      logger,
		inboundPath: inboundPath,
		metrics:     metrics,
	}
}

// validateAPK 校验上传文件的扩展名与大小, 合法时返回空串
func validateAPK(file *multipart.FileHeader) string {
	if !strings.HasSuffix(strings.ToLower(file.Filename), ".apk") {
		return "只支持 APK 文件格式"
	}
	if file.Size > maxUploadSize {
		return fmt.Sprintf("文件大小超过限制 (最大 %dMB)", maxUploadSize/(1024*1024))
	}
	return ""
}

// ensureInboundDir 确保监听目录存在
func (h *FileHandler) ensureInboundDir() error {
	return os.MkdirAll(h.inboundPath, 0755)
}

// UploadAPK 上传 APK 文件
// POST /api/upload
func (h *FileHandler) UploadAPK(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		h.logger.WithError(err).Error("Failed to get uploaded file")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "获取上传文件失败",
		})
		return
	}

	if msg := validateAPK(file); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": msg,
		})
		return
	}

	if err := h.ensureInboundDir(); err != nil {
		h.logger.WithError(err).Error("Failed to create inbound directory")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "创建上传目录失败",
		})
		return
	}

	// 同名文件已存在时拒绝, 避免覆盖正在扫描的包
	destPath := filepath.Join(h.inboundPath, file.Filename)
	if _, err := os.Stat(destPath); err == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "文件已存在",
			"filename": file.Filename,
		})
		return
	}

	written, err := h.saveUploadedFile(file, destPath)
	if err != nil {
		h.logger.WithError(err).WithField("filename", file.Filename).Error("Failed to save uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "文件上传失败",
		})
		return
	}

	if h.metrics != nil {
		h.metrics.RecordAPKReceived("upload")
	}

	h.logger.WithFields(logrus.Fields{
		"filename": file.Filename,
		"size":     written,
		"path":     destPath,
	}).Info("APK file uploaded successfully")

	// 返回成功响应, 监听器随后自动创建扫描任务
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  "文件上传成功, 扫描任务即将创建",
		"filename": file.Filename,
		"size":     written,
		"path":     destPath,
	})
}

// UploadAPKBatch 批量上传 APK 文件
// POST /api/upload/batch
func (h *FileHandler) UploadAPKBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.logger.WithError(err).Error("Failed to parse multipart form")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "解析上传表单失败",
		})
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "请选择要上传的 APK 文件",
		})
		return
	}
	if len(files) > maxBatchFiles {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("最多同时上传 %d 个文件，当前选择了 %d 个", maxBatchFiles, len(files)),
		})
		return
	}

	if err := h.ensureInboundDir(); err != nil {
		h.logger.WithError(err).Error("Failed to create inbound directory")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "创建上传目录失败",
		})
		return
	}

	results := make([]uploadResult, 0, len(files))
	var successCount, errorCount, skippedCount int

	for _, file := range files {
		result := h.receiveOne(file)
		switch result.Status {
		case "success":
			successCount++
		case "skipped":
			skippedCount++
		default:
			errorCount++
		}
		results = append(results, result)
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       fmt.Sprintf("批量上传完成: %d 成功, %d 失败, %d 跳过", successCount, errorCount, skippedCount),
		"total":         len(files),
		"success_count": successCount,
		"error_count":   errorCount,
		"skipped_count": skippedCount,
		"results":       results,
	})
}

// receiveOne 校验并落盘批量上传中的单个文件
func (h *FileHandler) receiveOne(file *multipart.FileHeader) uploadResult {
	result := uploadResult{
		Filename: file.Filename,
		Size:     file.Size,
	}

	if msg := validateAPK(file); msg != "" {
		result.Status = "error"
		result.Error = msg
		return result
	}

	destPath := filepath.Join(h.inboundPath, file.Filename)
	if _, err := os.Stat(destPath); err == nil {
		result.Status = "skipped"
		result.Error = "文件已存在"
		return result
	}

	written, err := h.saveUploadedFile(file, destPath)
	if err != nil {
		h.logger.WithError(err).WithField("filename", file.Filename).Error("Failed to save uploaded file")
		result.Status = "error"
		result.Error = "保存文件失败"
		return result
	}

	if h.metrics != nil {
		h.metrics.RecordAPKReceived("upload")
	}

	result.Size = written
	result.Status = "success"

	h.logger.WithFields(logrus.Fields{
		"filename": file.Filename,
		"size":     written,
	}).Info("APK file uploaded successfully (batch)")

	return result
}

// saveUploadedFile 将上传内容写入目标路径, 失败时清理不完整的文件
func (h *FileHandler) saveUploadedFile(file *multipart.FileHeader, destPath string) (int64, error) {
	src, err := file.Open()
	if err != nil {
		return 0, fmt.Errorf("打开上传文件失败: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("创建目标文件失败: %w", err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, src)
	if err != nil {
		os.Remove(destPath)
		return 0, fmt.Errorf("复制文件内容失败: %w", err)
	}

	return written, nil
}
