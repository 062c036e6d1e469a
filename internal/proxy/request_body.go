package proxy

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"meter/internal/model"

	"github.com/tidwall/gjson"
)

const (
	DefaultMaxBodySize = 10 << 20 // 10MB
	bufferPoolSize     = 32 << 10 // 32KB buffer for pool
)

var (
	ErrBodyTooLarge = errors.New("request body exceeds maximum size limit")
	ErrInvalidJSON  = errors.New("request body is not valid JSON")
	ErrNotObject    = errors.New("request body must be a JSON object")
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, bufferPoolSize)
		return &buf
	},
}

// ChatRequest 从请求体中解析出的计量字段，原始 body 原样转发
type ChatRequest struct {
	Raw      []byte
	Model    string
	Messages []byte
	Stream   bool
}

// ReadBody 读取完整请求体，超过 maxSize 时返回 ErrBodyTooLarge
// maxSize <= 0 使用默认值 (10MB)
func ReadBody(r io.ReadCloser, maxSize int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	defer r.Close()

	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}

	// 使用 buffer pool 读取
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	var result bytes.Buffer
	result.Grow(int(min(maxSize, 64<<10))) // 预分配最多 64KB

	var totalRead int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if totalRead+int64(n) > maxSize {
				return nil, ErrBodyTooLarge
			}
			result.Write(buf[:n])
			totalRead += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return result.Bytes(), nil
}

// ParseChatRequest 解析 model/messages/stream，其余字段不做处理
func ParseChatRequest(body []byte) (ChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return ChatRequest{}, ErrInvalidJSON
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return ChatRequest{}, ErrNotObject
	}

	req := ChatRequest{
		Raw:      body,
		Model:    root.Get("model").String(),
		Messages: []byte("[]"),
		Stream:   root.Get("stream").Bool(),
	}
	if req.Model == "" {
		req.Model = model.UnknownAttribution
	}
	if messages := root.Get("messages"); messages.Exists() {
		req.Messages = []byte(messages.Raw)
	}
	return req, nil
}

// NewBodyReader 为上游请求创建新的 body reader
func (r ChatRequest) NewBodyReader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(r.Raw))
}
