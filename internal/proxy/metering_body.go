package proxy

import (
	"context"
	"errors"
	"io"
	"sync"

	"meter/internal/metrics"
)

// 未完整读取时的原因
const (
	ReasonCancelled         = metrics.OutcomeCancelled
	ReasonUpstreamReadError = metrics.OutcomeUpstreamReadError
)

// MeteringBody 包装流式响应体，在 Close 时回调一次
// complete 为 true 表示已读到 EOF；否则 reason 给出原因
type MeteringBody struct {
	io.ReadCloser
	ctx     context.Context
	onClose func(complete bool, reason string)

	mu      sync.Mutex
	sawEOF  bool
	readErr error
	once    sync.Once
}

// NewMeteringBody 创建计量包装器
func NewMeteringBody(ctx context.Context, body io.ReadCloser, onClose func(complete bool, reason string)) *MeteringBody {
	return &MeteringBody{
		ReadCloser: body,
		ctx:        ctx,
		onClose:    onClose,
	}
}

func (b *MeteringBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.mu.Lock()
		if errors.Is(err, io.EOF) {
			b.sawEOF = true
		} else if b.readErr == nil {
			b.readErr = err
		}
		b.mu.Unlock()
	}
	return n, err
}

// Close 关闭并触发回调
func (b *MeteringBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.mu.Lock()
		complete, readErr := b.sawEOF, b.readErr
		b.mu.Unlock()

		if complete {
			b.onClose(true, "")
			return
		}
		if errors.Is(readErr, context.Canceled) || errors.Is(b.ctx.Err(), context.Canceled) {
			b.onClose(false, ReasonCancelled)
			return
		}
		if readErr != nil {
			b.onClose(false, ReasonUpstreamReadError)
			return
		}
		// 未读完也无读错误：下游写失败导致提前关闭
		b.onClose(false, ReasonCancelled)
	})
	return err
}
