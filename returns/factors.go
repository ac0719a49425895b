package returns

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/wyfcoding/etflab/xerrors"
)

// FactorSeries 日期 × 因子名 的收益率表, Names 决定回归中 beta 的顺序.
type FactorSeries struct {
	Dates  []time.Time
	Names  []string
	Values map[string][]float64
}

// NewFactorSeries 校验日期与列长度.
func NewFactorSeries(dates []time.Time, names []string, values map[string][]float64) (FactorSeries, error) {
	if err := checkDates(dates); err != nil {
		return FactorSeries{}, err
	}
	for _, name := range names {
		col, ok := values[name]
		if !ok {
			return FactorSeries{}, xerrors.Derive(xerrors.ErrUnknownColumn).WithDetail("factor %s", name)
		}
		if len(col) != len(dates) {
			return FactorSeries{}, xerrors.Derive(xerrors.ErrDimMismatch).
				WithDetail("factor %s has %d values for %d dates", name, len(col), len(dates))
		}
	}
	return FactorSeries{Dates: slices.Clone(dates), Names: slices.Clone(names), Values: values}, nil
}

// Column 按名称取出单个因子序列.
func (f FactorSeries) Column(name string) (Series, error) {
	col, ok := f.Values[name]
	if !ok {
		return Series{}, xerrors.Derive(xerrors.ErrUnknownColumn).WithDetail("factor %s", name).WithContext("factor", name)
	}
	return Series{Dates: f.Dates, Values: col}, nil
}

// Select 返回只包含给定因子的新序列, 保持给定顺序.
func (f FactorSeries) Select(names ...string) (FactorSeries, error) {
	return NewFactorSeries(f.Dates, names, f.Values)
}

// Len 返回因子个数.
func (f FactorSeries) Len() int {
	return len(f.Names)
}

// Aligned 是目标序列与因子在共同日期上的无缺失观测.
type Aligned struct {
	Dates   []time.Time
	Y       []float64
	Factors [][]float64 // Factors[j][t]
}

// Align 取 y 与因子日期的交集, 并剔除任一值缺失的行.
func Align(y Series, f FactorSeries) Aligned {
	index := make(map[int64]int, len(f.Dates))
	for i, d := range f.Dates {
		index[d.Unix()] = i
	}

	out := Aligned{Factors: make([][]float64, len(f.Names))}
	for t, d := range y.Dates {
		fi, ok := index[d.Unix()]
		if !ok || math.IsNaN(y.Values[t]) {
			continue
		}
		row := make([]float64, len(f.Names))
		valid := true
		for j, name := range f.Names {
			v := f.Values[name][fi]
			if math.IsNaN(v) {
				valid = false
				break
			}
			row[j] = v
		}
		if !valid {
			continue
		}
		out.Dates = append(out.Dates, d)
		out.Y = append(out.Y, y.Values[t])
		for j := range row {
			out.Factors[j] = append(out.Factors[j], row[j])
		}
	}
	return out
}

// Scale 按因子返回新序列, 每个值乘以 k.
func (f FactorSeries) Scale(k float64) FactorSeries {
	values := make(map[string][]float64, len(f.Values))
	for name, col := range f.Values {
		scaled := make([]float64, len(col))
		for i, v := range col {
			scaled[i] = v * k
		}
		values[name] = scaled
	}
	return FactorSeries{Dates: f.Dates, Names: f.Names, Values: values}
}

// MedianAbs 返回各因子绝对值中位数的中位数, 用于判断输入是否为百分比.
func (f FactorSeries) MedianAbs() float64 {
	meds := make([]float64, 0, len(f.Names))
	for _, name := range f.Names {
		abs := make([]float64, 0, len(f.Values[name]))
		for _, v := range f.Values[name] {
			if !math.IsNaN(v) {
				abs = append(abs, math.Abs(v))
			}
		}
		if len(abs) > 0 {
			meds = append(meds, median(abs))
		}
	}
	if len(meds) == 0 {
		return math.NaN()
	}
	return median(meds)
}

func median(vals []float64) float64 {
	s := slices.Clone(vals)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
