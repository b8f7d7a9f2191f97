package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gensystem/internal/config"
)

const maxResponseBytes = 4 << 20

// Client 外部生成服务客户端
// Submit 必须在扣费事务提交之后、任何数据库事务之外调用，内部不做重试
type Client struct {
	cap           Capability
	baseURL       string
	apiKey        string
	callbackURL   string
	defaultModel  string
	submitTimeout time.Duration
	statusTimeout time.Duration
	httpClient    *http.Client
}

// NewClient httpClient 为空时使用默认客户端，超时由每次调用的 context 控制
func NewClient(cfg *config.ProviderConfig, httpClient *http.Client) (*Client, error) {
	capability, ok := LookupCapability(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("不支持的生成服务: %s", cfg.Name)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("provider.base_url 不能为空")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cap:           capability,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		callbackURL:   cfg.CallbackURL,
		defaultModel:  cfg.DefaultModel,
		submitTimeout: cfg.SubmitTimeout,
		statusTimeout: cfg.StatusTimeout,
		httpClient:    httpClient,
	}, nil
}

func (c *Client) Name() string {
	return c.cap.Name
}

// Submit 提交生成任务，返回外部任务ID
func (c *Client) Submit(ctx context.Context, p GenerateParams) (string, error) {
	if p.ModelVersion == "" {
		p.ModelVersion = c.defaultModel
	}
	p.ModelVersion = c.cap.mapModel(p.ModelVersion)

	ctx, cancel := withTimeout(ctx, c.submitTimeout)
	defer cancel()

	data, err := c.do(ctx, http.MethodPost, c.cap.SubmitPath, nil, c.cap.encodeSubmit(p, c.callbackURL))
	if err != nil {
		return "", err
	}

	externalID, err := c.cap.decodeSubmit(data)
	if err != nil {
		return "", fmt.Errorf("%w: 解析提交响应失败: %v", ErrProviderError, err)
	}
	if externalID == "" {
		return "", fmt.Errorf("%w: 响应中没有任务ID", ErrProviderError)
	}
	return externalID, nil
}

// FetchStatus 查询外部任务状态
func (c *Client) FetchStatus(ctx context.Context, externalID string) (*TaskStatus, error) {
	ctx, cancel := withTimeout(ctx, c.statusTimeout)
	defer cancel()

	path := c.cap.StatusPath
	var query url.Values
	if strings.Contains(path, "%s") {
		path = fmt.Sprintf(path, url.PathEscape(externalID))
	}
	if c.cap.StatusQueryParam != "" {
		query = url.Values{c.cap.StatusQueryParam: []string{externalID}}
	}

	data, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}

	status, err := c.cap.decodeStatus(data)
	if err != nil {
		return nil, fmt.Errorf("%w: 解析状态响应失败: %v", ErrProviderError, err)
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: 编码请求失败: %v", ErrProviderError, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrProviderError, resp.StatusCode, truncate(raw, 256))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: 响应不是合法 JSON: %v", ErrProviderError, err)
	}
	if !c.cap.isSuccess(env.Code) {
		return nil, fmt.Errorf("%w: code=%d, msg=%s", ErrProviderError, env.Code, env.message())
	}
	return env.Data, nil
}

// classifyTransportError 超时单独归类，其余都算调用失败；两者对调用方的补偿处理相同
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderError, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
