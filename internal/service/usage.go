package service

import (
	"context"

	"meter/internal/billing"
	"meter/internal/model"
	"meter/internal/repository"
)

// UsageReport Summarize 的结果，二者恰有一个非空
type UsageReport struct {
	Totals  *model.UsageTotals
	Grouped *model.GroupedUsage
}

// UsageService 用量读侧聚合
type UsageService struct {
	repo  repository.UsageLogRepositoryInterface
	guard *SpendGuard
}

func NewUsageService(repo repository.UsageLogRepositoryInterface, guard *SpendGuard) *UsageService {
	return &UsageService{repo: repo, guard: guard}
}

// IsGroupBy 判断是否为支持的分组维度
func IsGroupBy(groupBy string) bool {
	switch groupBy {
	case model.GroupByTeam, model.GroupByFeature, model.GroupByEnvironment:
		return true
	}
	return false
}

// Summarize 按 groupBy 汇总；groupBy 为空或不支持时返回全量汇总
func (s *UsageService) Summarize(ctx context.Context, groupBy string, filter model.UsageFilter) (*UsageReport, error) {
	if !IsGroupBy(groupBy) {
		agg, err := s.repo.Summary(ctx, filter)
		if err != nil {
			return nil, err
		}
		totals := toTotals(agg)
		return &UsageReport{Totals: &totals}, nil
	}

	aggs, err := s.repo.SummaryGrouped(ctx, groupBy, filter)
	if err != nil {
		return nil, err
	}
	grouped := &model.GroupedUsage{
		GroupedBy: groupBy,
		Results:   make([]model.UsageGroup, 0, len(aggs)),
	}
	for _, agg := range aggs {
		grouped.Results = append(grouped.Results, model.UsageGroup{
			GroupBy:     groupBy,
			Value:       agg.GroupValue,
			UsageTotals: toTotals(agg),
		})
	}
	return &UsageReport{Grouped: grouped}, nil
}

// Today 当日花费概览
func (s *UsageService) Today(ctx context.Context) (*model.TodaySpend, error) {
	d, err := s.guard.Today(ctx)
	if err != nil {
		return nil, err
	}
	return &model.TodaySpend{
		Date:       d.Day.Format("2006-01-02"),
		Spend:      billing.RoundUSD(d.Spend).InexactFloat64(),
		Cap:        d.Cap.InexactFloat64(),
		Remaining:  billing.RoundUSD(d.Remaining).InexactFloat64(),
		CapReached: d.Spend.GreaterThanOrEqual(d.Cap),
	}, nil
}

// ListRecords 分页列出记录
func (s *UsageService) ListRecords(ctx context.Context, params repository.ListParams) (*model.UsageRecordList, error) {
	records, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, err
	}

	page, pageSize := params.Page, params.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return &model.UsageRecordList{Records: records, Total: total, Page: page, PageSize: pageSize}, nil
}

func toTotals(agg model.UsageAggregate) model.UsageTotals {
	return model.UsageTotals{
		TotalTokensIn:  agg.TokensIn,
		TotalTokensOut: agg.TokensOut,
		TotalTokens:    agg.TokensIn + agg.TokensOut,
		TotalCost:      billing.RoundUSD(agg.Cost).InexactFloat64(),
		RequestCount:   agg.RequestCount,
	}
}
