package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"meter/internal/billing"
	"meter/internal/model"
	"meter/internal/repository"
)

// UsageEntry 转发完成后待记录的请求信息
type UsageEntry struct {
	Model       string
	TokensIn    int64
	TokensOut   int64
	Latency     time.Duration
	Team        string
	Feature     string
	Environment string
	Messages    []byte
}

// UsageLogger 计算成本与 prompt 哈希并写入存储
type UsageLogger struct {
	repo       repository.UsageLogRepositoryInterface
	calculator *billing.CostCalculator
	now        func() time.Time
}

func NewUsageLogger(repo repository.UsageLogRepositoryInterface, calculator *billing.CostCalculator) *UsageLogger {
	return &UsageLogger{repo: repo, calculator: calculator, now: time.Now}
}

// Log 写入一条用量记录，存储失败时返回错误
func (l *UsageLogger) Log(ctx context.Context, entry UsageEntry) (*model.UsageRecord, error) {
	record := &model.UsageRecord{
		Timestamp:   l.now().UTC(),
		Model:       entry.Model,
		TokensIn:    entry.TokensIn,
		TokensOut:   entry.TokensOut,
		Cost:        l.calculator.Cost(entry.Model, entry.TokensIn, entry.TokensOut),
		LatencyMs:   entry.Latency.Milliseconds(),
		Team:        attribution(entry.Team),
		Feature:     attribution(entry.Feature),
		Environment: attribution(entry.Environment),
		PromptHash:  HashPrompt(entry.Messages),
	}
	if record.TokensIn < 0 {
		record.TokensIn = 0
	}
	if record.TokensOut < 0 {
		record.TokensOut = 0
	}
	if record.LatencyMs < 0 {
		record.LatencyMs = 0
	}

	if err := l.repo.Insert(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func attribution(v string) string {
	if v == "" {
		return model.UnknownAttribution
	}
	return v
}

// HashPrompt 对 messages 的规范化 JSON 取 SHA-256，返回前 16 位十六进制
// 对象键按字典序重排，等价的 messages 得到相同哈希
func HashPrompt(messages []byte) string {
	sum := sha256.Sum256(canonicalJSON(messages))
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalJSON(raw []byte) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []byte("[]")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
