// Package returns 定义按日期对齐的收益率面板与因子序列.
// 缺失值统一使用 NaN 表示, 收益率均为小数形式 (非百分比).
package returns

import (
	"maps"
	"math"
	"slices"
	"time"

	"github.com/wyfcoding/etflab/xerrors"
)

// Series 单条按日期排列的收益率序列.
type Series struct {
	Dates  []time.Time
	Values []float64
}

// Len 返回观测数.
func (s Series) Len() int {
	return len(s.Values)
}

// Valid 统计非缺失观测数.
func (s Series) Valid() int {
	return countValid(s.Values)
}

// Panel 日期 × 标的 的收益率矩阵.
type Panel struct {
	dates  []time.Time
	series map[string][]float64
	ids    []string
}

// NewPanel 校验并构建面板: 日期严格递增, 每列长度与日期一致.
func NewPanel(dates []time.Time, series map[string][]float64) (*Panel, error) {
	if err := checkDates(dates); err != nil {
		return nil, err
	}
	cols := make(map[string][]float64, len(series))
	for id, vals := range series {
		if len(vals) != len(dates) {
			return nil, xerrors.Derive(xerrors.ErrDimMismatch).
				WithDetail("instrument %s has %d values for %d dates", id, len(vals), len(dates))
		}
		cols[id] = slices.Clone(vals)
	}
	ids := slices.Sorted(maps.Keys(cols))
	return &Panel{dates: slices.Clone(dates), series: cols, ids: ids}, nil
}

func checkDates(dates []time.Time) error {
	for i := 1; i < len(dates); i++ {
		if !dates[i].After(dates[i-1]) {
			return xerrors.Derive(xerrors.ErrInvalidInput).
				WithDetail("dates must be strictly increasing at index %d (%s)", i, dates[i].Format(time.DateOnly))
		}
	}
	return nil
}

// Dates 返回日期索引 (只读).
func (p *Panel) Dates() []time.Time {
	return p.dates
}

// Len 返回日期行数.
func (p *Panel) Len() int {
	return len(p.dates)
}

// Instruments 返回按字典序排列的标的标识.
func (p *Panel) Instruments() []string {
	return p.ids
}

// Has 判断面板是否包含标的.
func (p *Panel) Has(id string) bool {
	_, ok := p.series[id]
	return ok
}

// Column 返回某个标的的收益率列 (只读).
func (p *Panel) Column(id string) ([]float64, error) {
	col, ok := p.series[id]
	if !ok {
		return nil, xerrors.Derive(xerrors.ErrUnknownColumn).WithDetail("instrument %s", id).WithContext("instrument", id)
	}
	return col, nil
}

// Series 返回某个标的的完整序列, 缺失值保留为 NaN.
func (p *Panel) Series(id string) (Series, error) {
	col, err := p.Column(id)
	if err != nil {
		return Series{}, err
	}
	return Series{Dates: p.dates, Values: col}, nil
}

// Observations 统计某个标的的有效观测数, 不存在的标的返回 0.
func (p *Panel) Observations(id string) int {
	return countValid(p.series[id])
}

// Eligible 返回至少有 minHistory 个有效观测的标的, 保持字典序.
func (p *Panel) Eligible(minHistory int) []string {
	out := make([]string, 0, len(p.ids))
	for _, id := range p.ids {
		if p.Observations(id) >= minHistory {
			out = append(out, id)
		}
	}
	return out
}

// Window 返回 [start, end] 闭区间内的子面板.
func (p *Panel) Window(start, end time.Time) *Panel {
	lo, _ := slices.BinarySearchFunc(p.dates, start, func(d, t time.Time) int { return d.Compare(t) })
	hi, found := slices.BinarySearchFunc(p.dates, end, func(d, t time.Time) int { return d.Compare(t) })
	if found {
		hi++
	}
	hi = max(hi, lo)
	cols := make(map[string][]float64, len(p.series))
	for id, col := range p.series {
		cols[id] = col[lo:hi]
	}
	return &Panel{dates: p.dates[lo:hi], series: cols, ids: p.ids}
}

func countValid(vals []float64) int {
	n := 0
	for _, v := range vals {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}
