package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"meter/internal/metrics"
	"meter/internal/model"
	"meter/internal/service"
	"meter/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// 调用方归属头，转发前删除
const (
	HeaderTeam        = "X-Team"
	HeaderFeature     = "X-Feature"
	HeaderEnvironment = "X-Environment"
	HeaderRequestID   = "X-Request-ID"
)

var errUpstreamRead = errors.New("failed to read upstream response body")

// UsageRecorder 用量写入方
type UsageRecorder interface {
	Log(ctx context.Context, entry service.UsageEntry) (*model.UsageRecord, error)
}

// EngineConfig 转发引擎配置
type EngineConfig struct {
	UpstreamBaseURL string
	UpstreamAPIKey  string
	Timeout         time.Duration
	// Transport 为空时使用 NewStreamingTransport
	Transport http.RoundTripper
}

// Engine 转发 chat completion 请求并在成功后记录用量
type Engine struct {
	target       *url.URL
	upstreamKey  string
	timeout      time.Duration
	recorder     UsageRecorder
	decompressor *Decompressor
	reverse      *httputil.ReverseProxy
}

// NewStreamingTransport 创建针对 AI 流式请求优化的 HTTP Transport
func NewStreamingTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		TLSHandshakeTimeout: 15 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,

		// 不设置 ResponseHeaderTimeout，长时间生成由请求级超时约束
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 0,

		// 禁用自动解压，响应体原样返回给调用方
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}
}

// NewEngine 创建转发引擎
func NewEngine(cfg EngineConfig, recorder UsageRecorder) (*Engine, error) {
	base, err := url.Parse(strings.TrimRight(cfg.UpstreamBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q: scheme and host required", cfg.UpstreamBaseURL)
	}
	target := *base
	target.Path = base.Path + "/chat/completions"
	target.RawPath = ""

	transport := cfg.Transport
	if transport == nil {
		transport = NewStreamingTransport()
	}

	e := &Engine{
		target:       &target,
		upstreamKey:  cfg.UpstreamAPIKey,
		timeout:      cfg.Timeout,
		recorder:     recorder,
		decompressor: NewDecompressor(),
	}
	e.reverse = &httputil.ReverseProxy{
		Transport: transport,
		// FlushInterval 设为 -1，每个上游分片立即刷新给调用方
		FlushInterval:  -1,
		Director:       e.director,
		ModifyResponse: e.modifyResponse,
		ErrorHandler:   e.errorHandler,
	}
	return e, nil
}

// Target 上游 chat completions 地址
func (e *Engine) Target() string {
	return e.target.String()
}

// ChatCompletions 处理 POST /v1/chat/completions
func (e *Engine) ChatCompletions(c *gin.Context) {
	body, err := ReadBody(c.Request.Body, DefaultMaxBodySize)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			metrics.ObserveRequest(ModeBuffered, metrics.OutcomeBadRequest)
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, util.NewStandardError(http.StatusRequestEntityTooLarge, "", err.Error()))
			return
		}
		metrics.ObserveRequest(ModeBuffered, metrics.OutcomeBadRequest)
		c.AbortWithStatusJSON(http.StatusBadRequest, util.NewStandardError(http.StatusBadRequest, "", "failed to read request body"))
		return
	}

	chatReq, err := ParseChatRequest(body)
	if err != nil {
		metrics.ObserveRequest(ModeBuffered, metrics.OutcomeBadRequest)
		c.AbortWithStatusJSON(http.StatusBadRequest, util.NewStandardError(http.StatusBadRequest, "", err.Error()))
		return
	}

	trace := NewRequestTrace(
		uuid.New().String(),
		chatReq,
		c.GetHeader(HeaderTeam),
		c.GetHeader(HeaderFeature),
		c.GetHeader(HeaderEnvironment),
	)
	c.Header(HeaderRequestID, trace.RequestID)

	ctx := c.Request.Context()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	ctx = WithRequestTrace(ctx, trace)

	req := c.Request.WithContext(ctx)
	req.Body = chatReq.NewBodyReader()
	req.ContentLength = int64(len(chatReq.Raw))

	log.WithFields(log.Fields{
		"request_id": trace.RequestID,
		"model":      chatReq.Model,
		"mode":       trace.Mode(),
		"team":       trace.Team,
	}).Debug("proxy: forwarding chat completion")

	e.reverse.ServeHTTP(c.Writer, req)

	snapshot := trace.Clone()
	log.WithFields(log.Fields{
		"request_id": snapshot.RequestID,
		"status":     snapshot.StatusCode,
		"outcome":    snapshot.Outcome,
		"latency_ms": snapshot.Latency.Milliseconds(),
	}).Debug("proxy: request finished")
}

func (e *Engine) director(req *http.Request) {
	req.URL.Scheme = e.target.Scheme
	req.URL.Host = e.target.Host
	req.URL.Path = e.target.Path
	req.URL.RawPath = ""
	req.URL.RawQuery = e.target.RawQuery
	req.Host = e.target.Host

	// 移除调用方凭证、归属头和 hop-by-hop 头
	req.Header.Del("Authorization")
	req.Header.Del("X-Api-Key")
	req.Header.Del(HeaderTeam)
	req.Header.Del(HeaderFeature)
	req.Header.Del(HeaderEnvironment)
	req.Header.Del("Transfer-Encoding")
	req.TransferEncoding = nil

	req.Header.Set("Authorization", "Bearer "+e.upstreamKey)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	// 计时从上游调用前开始
	if trace := GetRequestTrace(req.Context()); trace != nil {
		trace.MarkDispatched()
	}
}

func (e *Engine) modifyResponse(resp *http.Response) error {
	trace := GetRequestTrace(resp.Request.Context())
	if trace == nil {
		return nil
	}
	trace.SetResponse(resp.StatusCode)

	// 非 2xx：状态码和响应体原样透传，不记录用量
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		trace.SetOutcome(metrics.OutcomeUpstreamStatus)
		metrics.ObserveRequest(trace.Mode(), metrics.OutcomeUpstreamStatus)
		log.WithFields(log.Fields{
			"request_id": trace.RequestID,
			"status":     resp.StatusCode,
			"mode":       trace.Mode(),
		}).Warn("proxy: upstream returned non-success status, not recording usage")
		return nil
	}

	ctx := resp.Request.Context()

	if trace.Stream {
		resp.Body = NewMeteringBody(ctx, resp.Body, func(complete bool, reason string) {
			trace.Finish()
			if !complete {
				trace.SetOutcome(reason)
				metrics.ObserveRequest(ModeStreaming, reason)
				log.WithFields(log.Fields{
					"request_id": trace.RequestID,
					"reason":     reason,
				}).Warn("proxy: stream ended before completion, not recording usage")
				return
			}
			e.record(ctx, trace)
		})
		return nil
	}

	// 缓冲模式：完整读取响应体，解压副本提取 usage，原始字节原样返回给调用方
	originalBody := resp.Body
	data, err := io.ReadAll(originalBody)
	_ = originalBody.Close()
	if err != nil {
		return fmt.Errorf("%w: %v", errUpstreamRead, err)
	}
	trace.Finish()

	plain := e.decompressor.Decompress(data, resp.Header.Get("Content-Encoding"))
	if usage, ok := ParseResponseUsage(plain); ok {
		trace.SetUsage(usage.PromptTokens, usage.CompletionTokens, usage.Model)
	} else {
		log.WithField("request_id", trace.RequestID).Warn("proxy: upstream success body is not a JSON object, recording zero tokens")
	}

	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	resp.Header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))

	e.record(ctx, trace)
	return nil
}

// record 写入用量；失败只上报运维，不影响调用方响应
func (e *Engine) record(ctx context.Context, trace *RequestTrace) {
	entry := trace.UsageEntry()
	mode := trace.Mode()

	rec, err := e.recorder.Log(context.WithoutCancel(ctx), entry)
	if err != nil {
		trace.SetOutcome(metrics.OutcomeLogFailed)
		metrics.ObserveLogFailure(mode)
		log.WithFields(log.Fields{
			"request_id": trace.RequestID,
			"model":      entry.Model,
			"team":       entry.Team,
		}).Errorf("usage logger: failed to record usage: %v", err)
		return
	}

	trace.SetOutcome(metrics.OutcomeRecorded)
	metrics.ObserveRecorded(mode, rec.Model, rec.Cost.InexactFloat64(), rec.TokensIn, rec.TokensOut, rec.LatencyMs)
	log.WithFields(log.Fields{
		"request_id": trace.RequestID,
		"record_id":  rec.ID,
		"model":      rec.Model,
		"mode":       mode,
		"tokens_in":  rec.TokensIn,
		"tokens_out": rec.TokensOut,
		"cost":       rec.Cost.Round(6).String(),
		"latency_ms": rec.LatencyMs,
		"team":       rec.Team,
	}).Info("proxy: usage recorded")
}

func (e *Engine) errorHandler(rw http.ResponseWriter, req *http.Request, err error) {
	trace := GetRequestTrace(req.Context())
	mode := ModeBuffered
	requestID := ""
	if trace != nil {
		mode = trace.Mode()
		requestID = trace.RequestID
	}

	outcome := metrics.OutcomeUpstreamError
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(req.Context().Err(), context.Canceled):
		outcome = ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, errUpstreamRead):
		outcome = ReasonUpstreamReadError
	}
	if trace != nil {
		trace.SetOutcome(outcome)
	}
	metrics.ObserveRequest(mode, outcome)

	// 使用清理后的错误消息，防止泄露敏感信息
	safeMsg := util.SanitizeError(err)
	log.WithFields(log.Fields{
		"request_id": requestID,
		"mode":       mode,
		"outcome":    outcome,
	}).Errorf("proxy: upstream request failed: %s", safeMsg)

	util.WriteErrorResponse(rw, status, "", "Failed to reach upstream: "+safeMsg)
}
