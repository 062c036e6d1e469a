package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout 定宽 UTC 时间格式，字典序与时间序一致
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// UnknownAttribution 未提供归属头时的默认值
const UnknownAttribution = "unknown"

// 支持的分组维度
const (
	GroupByTeam        = "team"
	GroupByFeature     = "feature"
	GroupByEnvironment = "environment"
)

// UsageRecord 一次成功转发请求的用量记录，写入后不再修改
type UsageRecord struct {
	ID          int64           `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Model       string          `json:"model"`
	TokensIn    int64           `json:"tokens_in"`
	TokensOut   int64           `json:"tokens_out"`
	Cost        decimal.Decimal `json:"-"`
	LatencyMs   int64           `json:"latency_ms"`
	Team        string          `json:"team"`
	Feature     string          `json:"feature"`
	Environment string          `json:"environment"`
	PromptHash  string          `json:"prompt_hash"`
}

// MarshalJSON 输出 cost 为保留 6 位小数的数字
func (r UsageRecord) MarshalJSON() ([]byte, error) {
	type alias UsageRecord
	return json.Marshal(struct {
		alias
		Timestamp string  `json:"timestamp"`
		Cost      float64 `json:"cost"`
	}{
		alias:     alias(r),
		Timestamp: r.Timestamp.UTC().Format(TimestampLayout),
		Cost:      r.Cost.Round(6).InexactFloat64(),
	})
}

// UsageFilter 聚合与列表的过滤条件，零值表示不过滤
type UsageFilter struct {
	From        *time.Time
	To          *time.Time
	Team        string
	Feature     string
	Environment string
	Model       string
}

// UsageAggregate 存储层聚合结果（未取整）
type UsageAggregate struct {
	GroupValue   string
	TokensIn     int64
	TokensOut    int64
	Cost         decimal.Decimal
	RequestCount int64
}

// UsageTotals 对外的用量汇总
type UsageTotals struct {
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
	RequestCount   int64   `json:"request_count"`
}

// UsageGroup 某个分组值的用量汇总，JSON 中分组值的键名为分组维度
type UsageGroup struct {
	GroupBy string
	Value   string
	UsageTotals
}

func (g UsageGroup) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		g.GroupBy:          g.Value,
		"total_tokens_in":  g.TotalTokensIn,
		"total_tokens_out": g.TotalTokensOut,
		"total_tokens":     g.TotalTokens,
		"total_cost":       g.TotalCost,
		"request_count":    g.RequestCount,
	})
}

// GroupedUsage 分组汇总响应
type GroupedUsage struct {
	GroupedBy string       `json:"grouped_by"`
	Results   []UsageGroup `json:"results"`
}

// TodaySpend 当日花费与上限
type TodaySpend struct {
	Date       string  `json:"date"`
	Spend      float64 `json:"spend"`
	Cap        float64 `json:"cap"`
	Remaining  float64 `json:"remaining"`
	CapReached bool    `json:"cap_reached"`
}

// UsageRecordList 分页记录列表
type UsageRecordList struct {
	Records  []UsageRecord `json:"records"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}
