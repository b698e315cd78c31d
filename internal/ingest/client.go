// Package ingest 实现 Ingestion API 客户端
//
// HTTPS 批量上传通道：主通道不可用时的回退路径，也承担离线积压
// 回放的最终投递。非 2xx 响应按状态码归类为不同错误码。
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vitals-live/internal/models"
)

// 错误码分类
const (
	ErrCodeTransport   = "transport"    // 网络/超时（可重试）
	ErrCodeMalformed   = "malformed"    // 400
	ErrCodeAuth        = "auth"         // 401/403
	ErrCodeRateLimited = "rate_limited" // 429
	ErrCodeServer      = "server"       // 5xx
	ErrCodeUnexpected  = "unexpected"   // 其他非 2xx
)

// UploadError 类型化上传错误
type UploadError struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("ingestion upload failed (%s, status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ingestion upload failed (%s): %s", e.Code, e.Message)
}

// Retryable 该错误是否适合自动重试（瞬时传输类与服务端错误）
func (e *UploadError) Retryable() bool {
	return e.Code == ErrCodeTransport || e.Code == ErrCodeServer || e.Code == ErrCodeRateLimited
}

// Batch 上传批次
type Batch struct {
	BatchID   string             `json:"batch_id"`
	UserID    string             `json:"user_id"`
	Samples   []models.LiveDelta `json:"samples"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// UploadResponse 上传响应
type UploadResponse struct {
	AcceptedCount int `json:"accepted_count"`
	RejectedCount int `json:"rejected_count"`
}

// Client Ingestion API 客户端
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}
	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// BuildBatch 把一组增量打包为上传批次
func BuildBatch(userID string, deltas []models.LiveDelta) Batch {
	return Batch{
		BatchID:   uuid.NewString(),
		UserID:    userID,
		Samples:   deltas,
		CreatedAt: time.Now(),
	}
}

// Upload 上传一个批次
//
// 网络错误与超时转换为 transport 类错误而不是悬挂；非 2xx 响应
// 按状态码归类。调用方据此决定重试（瞬时）或上报（4xx）。
func (c *Client) Upload(ctx context.Context, batch Batch) (*UploadResponse, error) {
	var response UploadResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(batch).
		SetResult(&response).
		Post("/v1/ingest/batch")

	if err != nil {
		return nil, &UploadError{
			Code:    ErrCodeTransport,
			Message: err.Error(),
		}
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return nil, &UploadError{
			Code:       classifyStatus(status),
			StatusCode: status,
			Message:    resp.String(),
		}
	}

	if response.RejectedCount > 0 {
		c.logger.Warn("Ingestion API rejected part of batch",
			zap.String("batch_id", batch.BatchID),
			zap.Int("accepted", response.AcceptedCount),
			zap.Int("rejected", response.RejectedCount),
		)
	}

	return &response, nil
}

func classifyStatus(status int) string {
	switch {
	case status == 400:
		return ErrCodeMalformed
	case status == 401 || status == 403:
		return ErrCodeAuth
	case status == 429:
		return ErrCodeRateLimited
	case status >= 500:
		return ErrCodeServer
	}
	return ErrCodeUnexpected
}
