package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"shopflow/internal/types"
)

// ErrInvalidRange 表示报表的日期区间非法
var ErrInvalidRange = errors.New("invalid report range")

var hundred = decimal.NewFromInt(100)

// CapacitySource 提供指定门店和日期区间内的产能记录
type CapacitySource interface {
	Records(shopID string, from, to time.Time) []types.CapacityRecord
}

// StageSource 提供全部工序记录
type StageSource interface {
	AllStages() []types.StageRecord
}

// DepartmentDay 是某部门某天 (合并全部班次) 的利用率
type DepartmentDay struct {
	Date                  string           `json:"date"`
	Department            types.Department `json:"department"`
	TotalHours            types.Hours      `json:"total_hours"`
	ScheduledHours        types.Hours      `json:"scheduled_hours"`
	RemainingHours        types.Hours      `json:"remaining_hours"`
	UtilizationPercentage float64          `json:"utilization_percentage"`
	TotalBays             int              `json:"total_bays"`
	OccupiedBays          int              `json:"occupied_bays"`
}

// DepartmentWeek 是某部门按周 (周一开始) 汇总的利用率
type DepartmentWeek struct {
	WeekStart             string           `json:"week_start"`
	Department            types.Department `json:"department"`
	TotalHours            types.Hours      `json:"total_hours"`
	ScheduledHours        types.Hours      `json:"scheduled_hours"`
	UtilizationPercentage float64          `json:"utilization_percentage"`
	Days                  int              `json:"days"`
}

// Efficiency 是某部门已完工工序的实际工时与预估工时之比
type Efficiency struct {
	Department     types.Department `json:"department"`
	Stages         int              `json:"stages"`
	EstimatedHours types.Hours      `json:"estimated_hours"`
	ActualHours    types.Hours      `json:"actual_hours"`
	Ratio          float64          `json:"ratio"`
}

// Flag 描述一条与账本不变量不一致的产能记录
type Flag struct {
	Key     string `json:"key"`
	Problem string `json:"problem"`
	Detail  string `json:"detail"`
}

// Report 是一次利用率报表
type Report struct {
	ShopID      string           `json:"shop_id"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	GeneratedAt time.Time        `json:"generated_at"`
	Daily       []DepartmentDay  `json:"daily"`
	Weekly      []DepartmentWeek `json:"weekly"`
	Efficiency  []Efficiency     `json:"efficiency"`
	Flags       []Flag           `json:"flags"`
	// HistoricalAdjustment 是各部门用于修正后续估时的系数 (实际/预估)
	HistoricalAdjustment map[types.Department]float64 `json:"historical_adjustment"`
	// WeekdayFactors 是各星期几的平均利用率相对整体平均值的比例
	WeekdayFactors map[string]float64 `json:"weekday_factors"`
}

// Reporter 只读地计算利用率报表
type Reporter struct {
	capacity CapacitySource
	stages   StageSource
	logger   *slog.Logger
	now      func() time.Time
}

// New 创建一个新的报表生成器
func New(capacity CapacitySource, stages StageSource, logger *slog.Logger) *Reporter {
	return &Reporter{
		capacity: capacity,
		stages:   stages,
		logger:   logger.With("component", "reporter"),
		now:      time.Now,
	}
}

// Report 计算门店在 [from, to] 日期区间内的利用率报表
func (r *Reporter) Report(ctx context.Context, shopID string, from, to time.Time) (Report, error) {
	if shopID == "" {
		return Report{}, fmt.Errorf("%w: shop is required", ErrInvalidRange)
	}
	if to.Before(from) {
		return Report{}, fmt.Errorf("%w: %s is before %s", ErrInvalidRange, to.Format(types.DateLayout), from.Format(types.DateLayout))
	}
	fromKey, toKey := from.Format(types.DateLayout), to.Format(types.DateLayout)

	var records []types.CapacityRecord
	var stages []types.StageRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		records = r.capacity.Records(shopID, from, to)
		return gctx.Err()
	})
	g.Go(func() error {
		for _, s := range r.stages.AllStages() {
			date := s.ScheduledDate.Format(types.DateLayout)
			if s.ShopID == shopID && date >= fromKey && date <= toKey {
				stages = append(stages, s)
			}
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	daily := dailyRows(records)
	efficiency := efficiencyRows(stages)
	rep := Report{
		ShopID:               shopID,
		From:                 fromKey,
		To:                   toKey,
		GeneratedAt:          r.now(),
		Daily:                daily,
		Weekly:               weeklyRows(daily),
		Efficiency:           efficiency,
		Flags:                consistencyFlags(records),
		HistoricalAdjustment: make(map[types.Department]float64, len(efficiency)),
		WeekdayFactors:       weekdayFactors(daily),
	}
	for _, e := range efficiency {
		rep.HistoricalAdjustment[e.Department] = e.Ratio
	}
	if len(rep.Flags) > 0 {
		r.logger.Warn("产能记录一致性检查发现异常", "shop_id", shopID, "flags", len(rep.Flags))
	}
	return rep, nil
}

func utilization(scheduled, total types.Hours) float64 {
	if !total.IsPositive() {
		return 0
	}
	return scheduled.Decimal.Div(total.Decimal).Mul(hundred).Round(2).InexactFloat64()
}

func dailyRows(records []types.CapacityRecord) []DepartmentDay {
	type dayKey struct {
		date string
		dept types.Department
	}
	rows := make(map[dayKey]*DepartmentDay)
	for _, rec := range records {
		k := dayKey{rec.Key.ScheduleDate, rec.Key.Department}
		row, ok := rows[k]
		if !ok {
			row = &DepartmentDay{Date: k.date, Department: k.dept, TotalHours: types.ZeroHours, ScheduledHours: types.ZeroHours, RemainingHours: types.ZeroHours}
			rows[k] = row
		}
		row.TotalHours = row.TotalHours.Add(rec.TotalCapacityHours)
		row.ScheduledHours = row.ScheduledHours.Add(rec.ScheduledHours)
		row.RemainingHours = row.RemainingHours.Add(rec.RemainingCapacityHours)
		row.TotalBays += rec.TotalBays
		row.OccupiedBays += rec.OccupiedBays
	}
	out := make([]DepartmentDay, 0, len(rows))
	for _, row := range rows {
		row.UtilizationPercentage = utilization(row.ScheduledHours, row.TotalHours)
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Department < out[j].Department
	})
	return out
}

// weekStart 返回日期所在周的周一
func weekStart(date string) string {
	d, err := time.Parse(types.DateLayout, date)
	if err != nil {
		return date
	}
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset).Format(types.DateLayout)
}

func weeklyRows(daily []DepartmentDay) []DepartmentWeek {
	type weekKey struct {
		week string
		dept types.Department
	}
	rows := make(map[weekKey]*DepartmentWeek)
	for _, d := range daily {
		k := weekKey{weekStart(d.Date), d.Department}
		row, ok := rows[k]
		if !ok {
			row = &DepartmentWeek{WeekStart: k.week, Department: k.dept, TotalHours: types.ZeroHours, ScheduledHours: types.ZeroHours}
			rows[k] = row
		}
		row.TotalHours = row.TotalHours.Add(d.TotalHours)
		row.ScheduledHours = row.ScheduledHours.Add(d.ScheduledHours)
		row.Days++
	}
	out := make([]DepartmentWeek, 0, len(rows))
	for _, row := range rows {
		row.UtilizationPercentage = utilization(row.ScheduledHours, row.TotalHours)
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WeekStart != out[j].WeekStart {
			return out[i].WeekStart < out[j].WeekStart
		}
		return out[i].Department < out[j].Department
	})
	return out
}

// efficiencyRows 只统计已完工且有预估工时的工序
func efficiencyRows(stages []types.StageRecord) []Efficiency {
	rows := make(map[types.Department]*Efficiency)
	for _, s := range stages {
		if s.Status != types.StatusCompleted || !s.EstimatedHours.IsPositive() {
			continue
		}
		row, ok := rows[s.Department]
		if !ok {
			row = &Efficiency{Department: s.Department, EstimatedHours: types.ZeroHours, ActualHours: types.ZeroHours}
			rows[s.Department] = row
		}
		row.Stages++
		row.EstimatedHours = row.EstimatedHours.Add(s.EstimatedHours)
		row.ActualHours = row.ActualHours.Add(s.ActualHours)
	}
	out := make([]Efficiency, 0, len(rows))
	for _, row := range rows {
		row.Ratio = row.ActualHours.Decimal.Div(row.EstimatedHours.Decimal).Round(2).InexactFloat64()
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Department < out[j].Department })
	return out
}

// consistencyFlags 检查记录是否偏离账本不变量
// 正常情况下不会出现，出现时说明存在绕过账本的并发写入
func consistencyFlags(records []types.CapacityRecord) []Flag {
	var flags []Flag
	add := func(rec types.CapacityRecord, problem, format string, args ...interface{}) {
		flags = append(flags, Flag{Key: rec.Key.String(), Problem: problem, Detail: fmt.Sprintf(format, args...)})
	}
	for _, rec := range records {
		if rec.UtilizationPercentage > 100 {
			add(rec, "over_utilized", "utilization %.2f%% exceeds 100%%", rec.UtilizationPercentage)
		}
		want := rec.TotalCapacityHours.Sub(rec.ScheduledHours).ClampZero()
		if !rec.RemainingCapacityHours.Equal(want.Decimal) {
			add(rec, "remaining_drift", "remaining %s, expected %s", rec.RemainingCapacityHours, want)
		}
		if rec.AvailableBays+rec.OccupiedBays != rec.TotalBays {
			add(rec, "bay_drift", "%d available + %d occupied != %d total", rec.AvailableBays, rec.OccupiedBays, rec.TotalBays)
		}
		sum := 0
		for _, n := range rec.BayCounts {
			sum += n
		}
		if sum > rec.TotalBays {
			add(rec, "bay_overflow", "bay types sum to %d, exceeding %d total", sum, rec.TotalBays)
		}
		reserved := types.ZeroHours
		for _, rsv := range rec.Reservations {
			reserved = reserved.Add(rsv.Hours)
		}
		if !reserved.Equal(rec.ScheduledHours.Decimal) {
			add(rec, "reservation_drift", "reservations hold %s, scheduled %s", reserved, rec.ScheduledHours)
		}
	}
	return flags
}

// weekdayFactors 计算星期几的季节性系数：该星期几的平均日利用率 / 整体平均日利用率
func weekdayFactors(daily []DepartmentDay) map[string]float64 {
	out := make(map[string]float64)
	if len(daily) == 0 {
		return out
	}
	sums := make(map[time.Weekday]float64)
	counts := make(map[time.Weekday]int)
	var total float64
	for _, d := range daily {
		date, err := time.Parse(types.DateLayout, d.Date)
		if err != nil {
			continue
		}
		sums[date.Weekday()] += d.UtilizationPercentage
		counts[date.Weekday()]++
		total += d.UtilizationPercentage
	}
	mean := total / float64(len(daily))
	if mean == 0 {
		return out
	}
	for wd, sum := range sums {
		factor := decimal.NewFromFloat(sum / float64(counts[wd]) / mean).Round(2)
		out[wd.String()] = factor.InexactFloat64()
	}
	return out
}
