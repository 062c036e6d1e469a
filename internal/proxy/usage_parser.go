package proxy

import (
	"github.com/tidwall/gjson"
)

// ResponseUsage 非流式 chat completion 响应中的用量
type ResponseUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	Model            string
}

// ParseResponseUsage 从响应体提取 usage.prompt_tokens / usage.completion_tokens / model
// 缺失的字段按 0 或空串处理；body 不是 JSON 对象时 ok 为 false
func ParseResponseUsage(body []byte) (ResponseUsage, bool) {
	if !gjson.ValidBytes(body) {
		return ResponseUsage{}, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return ResponseUsage{}, false
	}

	u := ResponseUsage{
		PromptTokens:     root.Get("usage.prompt_tokens").Int(),
		CompletionTokens: root.Get("usage.completion_tokens").Int(),
		Model:            root.Get("model").String(),
	}
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	return u, true
}
