package simulation

import (
	"math"
	"math/rand"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/wyfcoding/etflab/finance"
	"github.com/wyfcoding/etflab/portfolio"
	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/xerrors"
)

// Window 一个固定长度的日历区间 [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// HorizonResult 固定组合在某个区间上的表现.
type HorizonResult struct {
	Window
	Metrics finance.Metrics
}

// SampleHorizonWindows 从 dates 中有放回地抽取 n 个起点, 每个起点向后延伸 years 年.
// 只有结束日不晚于最后一个日期的起点才有效, 没有有效起点时返回空.
func SampleHorizonWindows(dates []time.Time, years, n int, rng *rand.Rand) []Window {
	if len(dates) == 0 || years <= 0 || n <= 0 {
		return nil
	}
	latest := dates[len(dates)-1].AddDate(-years, 0, 0)
	valid := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		if !d.After(latest) {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	out := make([]Window, n)
	for i := range out {
		s := valid[rng.Intn(len(valid))]
		out[i] = Window{Start: s, End: s.AddDate(years, 0, 0)}
	}
	return out
}

// SimulateHorizons 把固定的等权组合放到随机抽取的区间上评估.
// members 中不在面板里的标的被忽略; 区间内没有完整观测的窗口被跳过.
func SimulateHorizons(panel *returns.Panel, members []string, years, n int, seed int64, cfg HorizonConfig) ([]HorizonResult, error) {
	present := make([]string, 0, len(members))
	for _, id := range members {
		if panel.Has(id) {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil, xerrors.Derive(xerrors.ErrInsufficientData).
			WithDetail("none of %d tickers are in the panel", len(members))
	}

	fixed := portfolio.New(present)
	windows := SampleHorizonWindows(panel.Dates(), years, n, rand.New(rand.NewSource(seed)))
	out := make([]HorizonResult, 0, len(windows))
	for _, w := range windows {
		series, err := fixed.Returns(panel.Window(w.Start, w.End))
		if err != nil {
			return nil, err
		}
		if series.Len() == 0 {
			continue
		}
		out = append(out, HorizonResult{
			Window:  w,
			Metrics: finance.Evaluate(series.Values, cfg.RiskFree, cfg.PeriodsPerYear),
		})
	}
	return out, nil
}

// HorizonConfig 区间评估使用的年化参数.
type HorizonConfig struct {
	RiskFree       float64
	PeriodsPerYear int
}

// HorizonSummary 多个区间结果的分布概要.
type HorizonSummary struct {
	Windows       int
	MeanReturn    float64
	MedianReturn  float64
	MeanVol       float64
	MeanSharpe    float64
	WorstDrawdown float64
	PositiveShare float64 // 年化收益为正的区间占比
}

// median 偶数个值时取中间两个的平均.
func median(x []float64) float64 {
	sorted := slices.Clone(x)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// SummarizeHorizons 汇总区间结果, NaN 指标不参与均值.
func SummarizeHorizons(results []HorizonResult) HorizonSummary {
	nan := math.NaN()
	s := HorizonSummary{Windows: len(results), MeanReturn: nan, MedianReturn: nan, MeanVol: nan, MeanSharpe: nan, WorstDrawdown: nan, PositiveShare: nan}
	if len(results) == 0 {
		return s
	}
	var rets, vols, sharpes []float64
	positive := 0
	for _, r := range results {
		m := r.Metrics
		if !math.IsNaN(m.AnnReturn) {
			rets = append(rets, m.AnnReturn)
			if m.AnnReturn > 0 {
				positive++
			}
		}
		if !math.IsNaN(m.AnnVol) {
			vols = append(vols, m.AnnVol)
		}
		if !math.IsNaN(m.Sharpe) {
			sharpes = append(sharpes, m.Sharpe)
		}
		if !math.IsNaN(m.MaxDrawdown) && (math.IsNaN(s.WorstDrawdown) || m.MaxDrawdown < s.WorstDrawdown) {
			s.WorstDrawdown = m.MaxDrawdown
		}
	}
	if len(rets) > 0 {
		s.MeanReturn = stat.Mean(rets, nil)
		s.MedianReturn = median(rets)
		s.PositiveShare = float64(positive) / float64(len(rets))
	}
	if len(vols) > 0 {
		s.MeanVol = stat.Mean(vols, nil)
	}
	if len(sharpes) > 0 {
		s.MeanSharpe = stat.Mean(sharpes, nil)
	}
	return s
}
