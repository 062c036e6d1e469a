package proxy

import (
	"context"
	"sync"
	"time"

	"meter/internal/service"
)

type requestTraceKey struct{}

// 转发模式
const (
	ModeBuffered  = "buffered"
	ModeStreaming = "streaming"
)

// RequestTrace 一次转发请求的追踪信息
// 使用指针存储在 context 中，Director/ModifyResponse/body 各阶段更新
type RequestTrace struct {
	mu sync.Mutex

	// 请求信息
	RequestID   string
	Model       string
	Stream      bool
	Team        string
	Feature     string
	Environment string
	Messages    []byte

	// 上游信息
	DispatchedAt  time.Time
	StatusCode    int
	ResponseModel string
	TokensIn      int64
	TokensOut     int64
	Latency       time.Duration
	Outcome       string
}

// NewRequestTrace 创建新的请求追踪
func NewRequestTrace(requestID string, req ChatRequest, team, feature, environment string) *RequestTrace {
	return &RequestTrace{
		RequestID:   requestID,
		Model:       req.Model,
		Stream:      req.Stream,
		Messages:    req.Messages,
		Team:        team,
		Feature:     feature,
		Environment: environment,
	}
}

// WithRequestTrace 将 RequestTrace 存入 context
func WithRequestTrace(ctx context.Context, trace *RequestTrace) context.Context {
	return context.WithValue(ctx, requestTraceKey{}, trace)
}

// GetRequestTrace 从 context 获取 RequestTrace
func GetRequestTrace(ctx context.Context) *RequestTrace {
	if val := ctx.Value(requestTraceKey{}); val != nil {
		if trace, ok := val.(*RequestTrace); ok {
			return trace
		}
	}
	return nil
}

// Mode 返回转发模式
func (t *RequestTrace) Mode() string {
	if t.Stream {
		return ModeStreaming
	}
	return ModeBuffered
}

// MarkDispatched 上游调用前启动计时
func (t *RequestTrace) MarkDispatched() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DispatchedAt = time.Now()
}

// SetResponse 设置上游响应状态
func (t *RequestTrace) SetResponse(statusCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StatusCode = statusCode
}

// SetUsage 设置非流式响应中解析出的 token 用量和模型
func (t *RequestTrace) SetUsage(tokensIn, tokensOut int64, responseModel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TokensIn = tokensIn
	t.TokensOut = tokensOut
	t.ResponseModel = responseModel
}

// Finish 停止计时
func (t *RequestTrace) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DispatchedAt.IsZero() {
		return
	}
	t.Latency = time.Since(t.DispatchedAt)
}

// SetOutcome 设置请求结果
func (t *RequestTrace) SetOutcome(outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Outcome = outcome
}

// UsageEntry 构造待记录的用量
// 流式模式 token 记为 0，模型取请求中的模型名
func (t *RequestTrace) UsageEntry() service.UsageEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := service.UsageEntry{
		Model:       t.Model,
		Latency:     t.Latency,
		Team:        t.Team,
		Feature:     t.Feature,
		Environment: t.Environment,
		Messages:    t.Messages,
	}
	if !t.Stream {
		entry.TokensIn = t.TokensIn
		entry.TokensOut = t.TokensOut
		if t.ResponseModel != "" {
			entry.Model = t.ResponseModel
		}
	}
	return entry
}

// Clone 获取当前状态的快照
func (t *RequestTrace) Clone() RequestTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return RequestTrace{
		RequestID:     t.RequestID,
		Model:         t.Model,
		Stream:        t.Stream,
		Team:          t.Team,
		Feature:       t.Feature,
		Environment:   t.Environment,
		Messages:      t.Messages,
		DispatchedAt:  t.DispatchedAt,
		StatusCode:    t.StatusCode,
		ResponseModel: t.ResponseModel,
		TokensIn:      t.TokensIn,
		TokensOut:     t.TokensOut,
		Latency:       t.Latency,
		Outcome:       t.Outcome,
	}
}
