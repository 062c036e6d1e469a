package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"meter/internal/model"

	"github.com/shopspring/decimal"
)

var ErrInvalidGroupBy = errors.New("invalid group_by column")

// 分组列白名单，防止拼接任意 SQL
var groupColumns = map[string]string{
	model.GroupByTeam:        "team",
	model.GroupByFeature:     "feature",
	model.GroupByEnvironment: "environment",
}

// ListParams 记录查询参数
type ListParams struct {
	Filter   model.UsageFilter
	Page     int
	PageSize int
}

type UsageLogRepositoryInterface interface {
	Insert(ctx context.Context, record *model.UsageRecord) error
	SumCostBetween(ctx context.Context, start, end time.Time) (decimal.Decimal, error)
	Summary(ctx context.Context, filter model.UsageFilter) (model.UsageAggregate, error)
	SummaryGrouped(ctx context.Context, groupBy string, filter model.UsageFilter) ([]model.UsageAggregate, error)
	List(ctx context.Context, params ListParams) ([]model.UsageRecord, int64, error)
}

var _ UsageLogRepositoryInterface = (*UsageLogRepository)(nil)

type UsageLogRepository struct {
	db *sql.DB
}

func NewUsageLogRepository(db *sql.DB) *UsageLogRepository {
	return &UsageLogRepository{db: db}
}

// Insert 写入一条用量记录，成功后回填 ID
func (r *UsageLogRepository) Insert(ctx context.Context, record *model.UsageRecord) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_logs (timestamp, model, tokens_in, tokens_out, cost, latency_ms, team, feature, environment, prompt_hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Timestamp.UTC().Format(model.TimestampLayout),
		record.Model,
		record.TokensIn,
		record.TokensOut,
		record.Cost.InexactFloat64(),
		record.LatencyMs,
		record.Team,
		record.Feature,
		record.Environment,
		record.PromptHash,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	record.ID = id
	return nil
}

// SumCostBetween 统计 [start, end) 区间内的花费
func (r *UsageLogRepository) SumCostBetween(ctx context.Context, start, end time.Time) (decimal.Decimal, error) {
	var total float64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_logs WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(model.TimestampLayout),
		end.UTC().Format(model.TimestampLayout),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum cost: %w", err)
	}
	return decimal.NewFromFloat(total), nil
}

// Summary 全量汇总，无记录时各项为 0
func (r *UsageLogRepository) Summary(ctx context.Context, filter model.UsageFilter) (model.UsageAggregate, error) {
	whereClause, args := buildWhere(filter)
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(cost), 0),
			COUNT(*)
		FROM usage_logs
		WHERE %s
	`, whereClause)

	var agg model.UsageAggregate
	var cost float64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&agg.TokensIn, &agg.TokensOut, &cost, &agg.RequestCount); err != nil {
		return model.UsageAggregate{}, fmt.Errorf("usage summary: %w", err)
	}
	agg.Cost = decimal.NewFromFloat(cost)
	return agg, nil
}

// SummaryGrouped 按维度分组汇总，按花费降序、分组值升序
func (r *UsageLogRepository) SummaryGrouped(ctx context.Context, groupBy string, filter model.UsageFilter) ([]model.UsageAggregate, error) {
	column, ok := groupColumns[groupBy]
	if !ok {
		return nil, ErrInvalidGroupBy
	}

	whereClause, args := buildWhere(filter)
	query := fmt.Sprintf(`
		SELECT
			%s as group_key,
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(cost), 0) as cost_sum,
			COUNT(*)
		FROM usage_logs
		WHERE %s
		GROUP BY %s
		ORDER BY cost_sum DESC, group_key ASC
	`, column, whereClause, column)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("grouped usage summary: %w", err)
	}
	defer rows.Close()

	var results []model.UsageAggregate
	for rows.Next() {
		var agg model.UsageAggregate
		var cost float64
		if err := rows.Scan(&agg.GroupValue, &agg.TokensIn, &agg.TokensOut, &cost, &agg.RequestCount); err != nil {
			return nil, err
		}
		agg.Cost = decimal.NewFromFloat(cost)
		results = append(results, agg)
	}
	return results, rows.Err()
}

// List 分页查询记录，最新的在前
func (r *UsageLogRepository) List(ctx context.Context, params ListParams) ([]model.UsageRecord, int64, error) {
	whereClause, args := buildWhere(params.Filter)

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM usage_logs WHERE %s", whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count usage logs: %w", err)
	}

	// 分页
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}
	offset := (params.Page - 1) * params.PageSize

	query := fmt.Sprintf(`
		SELECT id, timestamp, model, tokens_in, tokens_out, cost, latency_ms, team, feature, environment, prompt_hash
		FROM usage_logs
		WHERE %s
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, params.PageSize, offset)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list usage logs: %w", err)
	}
	defer rows.Close()

	records := []model.UsageRecord{}
	for rows.Next() {
		var rec model.UsageRecord
		var ts string
		var cost float64
		err := rows.Scan(
			&rec.ID, &ts, &rec.Model, &rec.TokensIn, &rec.TokensOut, &cost,
			&rec.LatencyMs, &rec.Team, &rec.Feature, &rec.Environment, &rec.PromptHash,
		)
		if err != nil {
			return nil, 0, err
		}
		rec.Timestamp, err = time.Parse(model.TimestampLayout, ts)
		if err != nil {
			return nil, 0, fmt.Errorf("parse usage log timestamp %q: %w", ts, err)
		}
		rec.Cost = decimal.NewFromFloat(cost)
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func buildWhere(filter model.UsageFilter) (string, []interface{}) {
	conditions := []string{"1=1"}
	args := []interface{}{}

	if filter.From != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.From.UTC().Format(model.TimestampLayout))
	}
	if filter.To != nil {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, filter.To.UTC().Format(model.TimestampLayout))
	}
	if filter.Team != "" {
		conditions = append(conditions, "team = ?")
		args = append(args, filter.Team)
	}
	if filter.Feature != "" {
		conditions = append(conditions, "feature = ?")
		args = append(args, filter.Feature)
	}
	if filter.Environment != "" {
		conditions = append(conditions, "environment = ?")
		args = append(args, filter.Environment)
	}
	if filter.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, filter.Model)
	}

	return strings.Join(conditions, " AND "), args
}
