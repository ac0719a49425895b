package returns

import (
	"math"
	"slices"
	"time"
)

// FillMethod 面板缺失值填充方式.
type FillMethod string

const (
	FillNone    FillMethod = "none"
	FillMean    FillMethod = "mean"
	FillForward FillMethod = "ffill"
	FillZero    FillMethod = "zero"
)

// Observation 长表格式的一行: 某日某标的的收益率.
type Observation struct {
	Date   time.Time
	Ticker string
	Return float64
}

// BuildPanel 将长表透视为面板.
// 仅保留 tickers 中的标的 (tickers 为空表示全部), 同一 (日期, 标的) 保留最后一条,
// 剔除有效观测少于 minHistory 的标的, 最后按 fill 填充缺失值.
func BuildPanel(obs []Observation, tickers []string, minHistory int, fill FillMethod) (*Panel, error) {
	keep := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		keep[t] = struct{}{}
	}

	type key struct {
		day    int64
		ticker string
	}
	last := make(map[key]float64)
	days := make(map[int64]time.Time)
	for _, o := range obs {
		if len(keep) > 0 {
			if _, ok := keep[o.Ticker]; !ok {
				continue
			}
		}
		k := key{day: o.Date.Unix(), ticker: o.Ticker}
		last[k] = o.Return
		days[k.day] = o.Date
	}

	dates := make([]time.Time, 0, len(days))
	for _, d := range days {
		dates = append(dates, d)
	}
	slices.SortFunc(dates, func(a, b time.Time) int { return a.Compare(b) })
	row := make(map[int64]int, len(dates))
	for i, d := range dates {
		row[d.Unix()] = i
	}

	cols := make(map[string][]float64)
	for k, v := range last {
		col, ok := cols[k.ticker]
		if !ok {
			col = make([]float64, len(dates))
			for i := range col {
				col[i] = math.NaN()
			}
			cols[k.ticker] = col
		}
		col[row[k.day]] = v
	}

	for id, col := range cols {
		if countValid(col) < minHistory {
			delete(cols, id)
			continue
		}
		fillColumn(col, fill)
	}

	return NewPanel(dates, cols)
}

func fillColumn(col []float64, fill FillMethod) {
	switch fill {
	case FillMean:
		var sum float64
		n := 0
		for _, v := range col {
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n == 0 {
			return
		}
		mean := sum / float64(n)
		for i, v := range col {
			if math.IsNaN(v) {
				col[i] = mean
			}
		}
	case FillForward:
		prev := math.NaN()
		for i, v := range col {
			if math.IsNaN(v) {
				col[i] = prev
			} else {
				prev = v
			}
		}
	case FillZero:
		for i, v := range col {
			if math.IsNaN(v) {
				col[i] = 0
			}
		}
	}
}
