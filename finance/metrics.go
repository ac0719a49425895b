// Package finance 提供组合绩效指标、年化统计与均值-方差优化器.
package finance

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/xerrors"
)

// Metrics 单条收益率序列的年化绩效.
type Metrics struct {
	AnnReturn   float64 `json:"ann_return"`
	AnnVol      float64 `json:"ann_vol"`
	Sharpe      float64 `json:"sharpe"` // 波动率为 0 时为 NaN
	MaxDrawdown float64 `json:"max_dd"` // 非正数, 以复利净值计算
	Periods     int     `json:"periods"`
}

// Evaluate 计算年化收益 (均值 × periods)、年化波动 (总体标准差 × √periods)、
// 夏普比率与最大回撤. 缺失值会被跳过.
func Evaluate(values []float64, riskFree float64, periodsPerYear int) Metrics {
	clean := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		nan := math.NaN()
		return Metrics{AnnReturn: nan, AnnVol: nan, Sharpe: nan, MaxDrawdown: nan}
	}

	p := float64(periodsPerYear)
	mean := stat.Mean(clean, nil) * p
	vol := math.Sqrt(stat.PopVariance(clean, nil)) * math.Sqrt(p)
	sharpe := math.NaN()
	if vol != 0 {
		sharpe = (mean - riskFree) / vol
	}
	return Metrics{
		AnnReturn:   mean,
		AnnVol:      vol,
		Sharpe:      sharpe,
		MaxDrawdown: MaxDrawdown(clean),
		Periods:     len(clean),
	}
}

// MaxDrawdown 以 (1+r) 连乘的净值曲线计算最大回撤, 返回值 <= 0.
func MaxDrawdown(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	wealth, peak, worst := 1.0, math.Inf(-1), 0.0
	for _, r := range values {
		if math.IsNaN(r) {
			continue
		}
		wealth *= 1 + r
		peak = math.Max(peak, wealth)
		if dd := wealth/peak - 1; dd < worst {
			worst = dd
		}
	}
	return worst
}

// AnnualizeStats 返回给定标的的年化均值向量与年化协方差 (ddof=0).
// 只使用所有标的均有值的日期.
func AnnualizeStats(panel *returns.Panel, ids []string, periodsPerYear int) ([]float64, *mat.SymDense, error) {
	if len(ids) == 0 {
		return nil, nil, xerrors.Derive(xerrors.ErrEmptyData).WithDetail("no instruments to annualize")
	}
	cols := make([][]float64, len(ids))
	for j, id := range ids {
		col, err := panel.Column(id)
		if err != nil {
			return nil, nil, err
		}
		cols[j] = col
	}

	rows := make([]int, 0, panel.Len())
	for t := range panel.Len() {
		ok := true
		for _, col := range cols {
			if math.IsNaN(col[t]) {
				ok = false
				break
			}
		}
		if ok {
			rows = append(rows, t)
		}
	}
	if len(rows) < 2 {
		return nil, nil, xerrors.Derive(xerrors.ErrInsufficientData).
			WithDetail("%d complete rows across %d instruments", len(rows), len(ids))
	}

	data := mat.NewDense(len(rows), len(ids), nil)
	for i, t := range rows {
		for j, col := range cols {
			data.Set(i, j, col[t])
		}
	}

	p := float64(periodsPerYear)
	mu := make([]float64, len(ids))
	for j := range ids {
		mu[j] = stat.Mean(mat.Col(nil, j, data), nil) * p
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	n := float64(len(rows))
	cov.ScaleSym(p*(n-1)/n, &cov)
	return mu, &cov, nil
}

// PortfolioVolatility 计算 √(wᵀΣw).
func PortfolioVolatility(w []float64, cov mat.Symmetric) float64 {
	v := mat.NewVecDense(len(w), w)
	return math.Sqrt(math.Max(mat.Inner(v, cov, v), 0))
}
