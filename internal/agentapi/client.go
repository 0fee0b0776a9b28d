// Package agentapi 提供 Pipeline Executor 与 Agent 运行时的 HTTP 客户端。
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/runrelay/internal/tlsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotConfigured 对应的基础 URL 未配置
var ErrNotConfigured = errors.New("agent api endpoint not configured")

// maxErrorBody 错误响应最多读取的字节数
const maxErrorBody = 4 << 10

// APIError 非 2xx 响应
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status=%d msg=%s", e.Op, e.StatusCode, e.Message)
}

// Retryable 服务端错误和限流可以重试
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config 客户端配置
type Config struct {
	ExecutorURL string
	RuntimeURL  string
	Timeout     time.Duration
}

// Client Pipeline Executor 与 Agent 运行时客户端
type Client struct {
	executorURL string
	runtimeURL  string
	http        *http.Client
	logger      *zap.Logger
}

// New 创建客户端
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		executorURL: strings.TrimRight(cfg.ExecutorURL, "/"),
		runtimeURL:  strings.TrimRight(cfg.RuntimeURL, "/"),
		http:        tlsutil.SecureHTTPClient(timeout),
		logger:      logger.With(zap.String("component", "agentapi")),
	}
}

// Execute 开始执行一个新运行
func (c *Client) Execute(ctx context.Context, runID string) error {
	return c.runAction(ctx, runID, "execute")
}

// Resume 恢复一个进行中的运行。重复调用由执行器保证幂等。
func (c *Client) Resume(ctx context.Context, runID string) error {
	return c.runAction(ctx, runID, "resume")
}

func (c *Client) runAction(ctx context.Context, runID, action string) error {
	if c.executorURL == "" {
		return ErrNotConfigured
	}
	endpoint := fmt.Sprintf("%s/runs/%s/%s", c.executorURL, url.PathEscape(runID), action)
	_, err := c.post(ctx, action+" run", endpoint, nil)
	return err
}

// Pulse 触发 Agent 的一次 pulse，返回运行时的原始响应
func (c *Client) Pulse(ctx context.Context, agentID string) (json.RawMessage, error) {
	if c.runtimeURL == "" {
		return nil, ErrNotConfigured
	}
	endpoint := fmt.Sprintf("%s/agents/%s/pulse", c.runtimeURL, url.PathEscape(agentID))
	body, err := c.post(ctx, "pulse agent", endpoint, nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("pulse agent: invalid JSON response")
	}
	return json.RawMessage(body), nil
}

func (c *Client) post(ctx context.Context, op, endpoint string, payload any) ([]byte, error) {
	var reader io.Reader = http.NoBody
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("agent api call",
		zap.String("op", op),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Message: readErrMsg(resp.Body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	return body, nil
}

// readErrMsg 优先取 {"error": "..."} 或 {"message": "..."}，否则返回原文
func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
