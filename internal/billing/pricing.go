package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Price 模型价格，单位: USD per 1M tokens
type Price struct {
	ModelPrefix string          `json:"model_prefix"`
	InputRate   decimal.Decimal `json:"input_per_1m"`
	OutputRate  decimal.Decimal `json:"output_per_1m"`
}

// FallbackPrefix 未匹配任何前缀时使用的计价模型
const FallbackPrefix = "gpt-4o-mini"

// 按解析顺序排列，较长的前缀必须排在其更短的前缀之前
var priceTable = []Price{
	newPrice("gpt-4o-mini", "0.15", "0.6"),
	newPrice("gpt-4o", "5", "15"),
	newPrice("gpt-4-turbo-preview", "10", "30"),
	newPrice("gpt-4-turbo", "10", "30"),
	newPrice("gpt-4", "30", "60"),
	newPrice("gpt-3.5-turbo-16k", "3", "4"),
	newPrice("gpt-3.5-turbo", "0.5", "1.5"),
}

func newPrice(prefix, input, output string) Price {
	return Price{
		ModelPrefix: prefix,
		InputRate:   decimal.RequireFromString(input),
		OutputRate:  decimal.RequireFromString(output),
	}
}

// Lookup 按前缀解析模型价格，第一个匹配的前缀生效
// 未匹配时返回 fallback 价格和 false
func Lookup(model string) (Price, bool) {
	for _, p := range priceTable {
		if strings.HasPrefix(model, p.ModelPrefix) {
			return p, true
		}
	}
	return fallbackPrice(), false
}

func fallbackPrice() Price {
	for _, p := range priceTable {
		if p.ModelPrefix == FallbackPrefix {
			return p
		}
	}
	return priceTable[0]
}

// Table 返回价格表副本（按解析顺序）
func Table() []Price {
	out := make([]Price, len(priceTable))
	copy(out, priceTable)
	return out
}
