package taskpoller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-sign/signbridge/pkg/apierrors"
)

const (
	DefaultTaskPath         = "/filling/get-task-result/"
	DefaultLookupPath       = "/filling/get-data-from-sis/"
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	maxResponseBytes        = 8 << 20
)

// ClientConfig 描述后端地址与路径。
type ClientConfig struct {
	BaseURL    string
	TaskPath   string
	LookupPath string
	// BreakerThreshold 是触发短路的连续失败次数，负数关闭短路。
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client 调用后端任务接口，实现 Fetcher。
type Client struct {
	base       *url.URL
	taskPath   string
	lookupPath string
	http       *http.Client
	breaker    *breaker
}

var _ Fetcher = (*Client)(nil)

// NewClient 创建后端客户端，httpClient 为空时使用 http.DefaultClient。
func NewClient(cfg ClientConfig, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{base: base, taskPath: cfg.TaskPath, lookupPath: cfg.LookupPath, http: httpClient}
	if c.taskPath == "" {
		c.taskPath = DefaultTaskPath
	}
	if c.lookupPath == "" {
		c.lookupPath = DefaultLookupPath
	}
	if cfg.BreakerThreshold >= 0 {
		threshold, cooldown := cfg.BreakerThreshold, cfg.BreakerCooldown
		if threshold == 0 {
			threshold = DefaultBreakerThreshold
		}
		if cooldown <= 0 {
			cooldown = DefaultBreakerCooldown
		}
		c.breaker = newBreaker(threshold, cooldown)
	}
	return c, nil
}

// taskResponse 同时接受 camelCase 与 snake_case 字段。
type taskResponse struct {
	Status     Status          `json:"status"`
	TaskStatus Status          `json:"task_status"`
	Result     json.RawMessage `json:"result"`
	TaskResult json.RawMessage `json:"task_result"`
}

type submitResponse struct {
	TaskID      string `json:"taskId"`
	TaskIDSnake string `json:"task_id"`
}

// FetchTask 查询 {taskPath}{taskID}。
func (c *Client) FetchTask(ctx context.Context, taskID string) (Task, error) {
	var resp taskResponse
	if err := c.getJSON(ctx, c.taskPath+url.PathEscape(taskID), nil, &resp); err != nil {
		return Task{}, err
	}
	task := Task{ID: taskID, Status: resp.Status, Result: resp.Result}
	if task.Status == "" {
		task.Status = resp.TaskStatus
	}
	if len(task.Result) == 0 {
		task.Result = resp.TaskResult
	}
	return task, nil
}

// LookupQuery 是登记簿查询参数。
type LookupQuery struct {
	NumType string
	Number  string
	KindID  int
}

// Values 生成查询串；申请号查询 obj_state=1，其余为 2。
func (q LookupQuery) Values() url.Values {
	state := 2
	if q.NumType == "app_number" {
		state = 1
	}
	v := url.Values{}
	v.Set("obj_num_type", q.NumType)
	v.Set("obj_number", q.Number)
	v.Set("obj_kind_id_sis", strconv.Itoa(q.KindID))
	v.Set("obj_state", strconv.Itoa(state))
	return v
}

// SubmitLookup 提交查询并返回任务 ID。
func (c *Client) SubmitLookup(ctx context.Context, q LookupQuery) (string, error) {
	if q.NumType == "" || q.Number == "" {
		return "", apierrors.New(apierrors.CodeInvalidArgument, "lookup requires number type and number")
	}
	var resp submitResponse
	if err := c.getJSON(ctx, c.lookupPath, q.Values(), &resp); err != nil {
		return "", err
	}
	id := resp.TaskID
	if id == "" {
		id = resp.TaskIDSnake
	}
	if id == "" {
		return "", apierrors.New(apierrors.CodeTransport, "lookup response has no task id")
	}
	return id, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if !c.breaker.allow() {
		return apierrors.New(apierrors.CodeTransport, "case backend unavailable: circuit open")
	}
	status, err := c.doJSON(ctx, path, query, out)
	switch {
	case ctx.Err() != nil:
		c.breaker.abandon()
	case err != nil && (status == 0 || status >= http.StatusInternalServerError):
		c.breaker.failure()
	default:
		c.breaker.success()
	}
	return err
}

// doJSON 返回后端 HTTP 状态码，网络失败时为 0。
func (c *Client) doJSON(ctx context.Context, path string, query url.Values, out any) (int, error) {
	u := c.base.JoinPath(path)
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, apierrors.New(apierrors.CodeTransport, "backend request failed").WithCause(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, apierrors.New(apierrors.CodeTransport, "read backend response").WithCause(err)
	}
	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, apierrors.Newf(apierrors.CodeTransport, "backend %s returned %d", u.Path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, apierrors.New(apierrors.CodeTransport, "decode backend response").WithCause(err)
	}
	return resp.StatusCode, nil
}
