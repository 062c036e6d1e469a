package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meter/internal/repository"

	"github.com/shopspring/decimal"
)

var ErrCapExceeded = errors.New("daily spend cap reached")

// SpendDecision 一次准入检查的结果
type SpendDecision struct {
	Day       time.Time
	Spend     decimal.Decimal
	Cap       decimal.Decimal
	Remaining decimal.Decimal
}

// SpendGuard 全局每日花费上限检查
// 检查与后续写入不是原子的，上限为软限制
type SpendGuard struct {
	repo     repository.UsageLogRepositoryInterface
	spendCap decimal.Decimal
	now      func() time.Time
}

func NewSpendGuard(repo repository.UsageLogRepositoryInterface, spendCap decimal.Decimal) *SpendGuard {
	return &SpendGuard{repo: repo, spendCap: spendCap, now: time.Now}
}

// DayBounds 返回 t 所在 UTC 自然日的 [start, end)
func DayBounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 0, 1)
	return start, end
}

// Today 读取当日花费，不做拒绝判断
func (g *SpendGuard) Today(ctx context.Context) (SpendDecision, error) {
	start, end := DayBounds(g.now())
	spend, err := g.repo.SumCostBetween(ctx, start, end)
	if err != nil {
		return SpendDecision{}, fmt.Errorf("read today spend: %w", err)
	}

	remaining := g.spendCap.Sub(spend)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return SpendDecision{Day: start, Spend: spend, Cap: g.spendCap, Remaining: remaining}, nil
}

// Check 当日花费 >= 上限时返回 ErrCapExceeded
func (g *SpendGuard) Check(ctx context.Context) (SpendDecision, error) {
	d, err := g.Today(ctx)
	if err != nil {
		return d, err
	}
	if d.Spend.GreaterThanOrEqual(d.Cap) {
		return d, ErrCapExceeded
	}
	return d, nil
}
