package billing

import (
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var perMillion = decimal.NewFromInt(1_000_000)

// CostCalculator 成本计算器，无状态
type CostCalculator struct{}

// NewCostCalculator 创建成本计算器
func NewCostCalculator() *CostCalculator {
	return &CostCalculator{}
}

// Cost 计算请求成本（USD）
// cost = in/1e6*input_rate + out/1e6*output_rate
func (c *CostCalculator) Cost(model string, tokensIn, tokensOut int64) decimal.Decimal {
	// 负数 token 归零
	if tokensIn < 0 {
		tokensIn = 0
	}
	if tokensOut < 0 {
		tokensOut = 0
	}

	price, found := Lookup(model)
	if !found {
		log.Debugf("billing: no price prefix for model %q, using %s rates", model, FallbackPrefix)
	}

	inCost := decimal.NewFromInt(tokensIn).Div(perMillion).Mul(price.InputRate)
	outCost := decimal.NewFromInt(tokensOut).Div(perMillion).Mul(price.OutputRate)
	return inCost.Add(outCost)
}

// RoundUSD 对外展示时保留 6 位小数
func RoundUSD(d decimal.Decimal) decimal.Decimal {
	return d.Round(6)
}
