// Package factor 通过带截距的最小二乘估计收益率对系统性因子的暴露,
// 并把总方差拆分为因子解释部分与特质 (残差) 部分.
package factor

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/xerrors"
)

// maxCondition 设计矩阵条件数上限, 超过即视为秩亏.
const maxCondition = 1e12

// Result 单条收益率序列的因子模型估计结果.
type Result struct {
	Alpha             float64
	Betas             []float64 // 与 Names 一一对应
	Names             []string
	ResidualVariance  float64
	ExplainedVariance float64
	TotalVariance     float64
	RSquared          float64
	Observations      int
}

// Beta 按因子名返回暴露.
func (r *Result) Beta(name string) (float64, bool) {
	for i, n := range r.Names {
		if n == name {
			return r.Betas[i], true
		}
	}
	return math.NaN(), false
}

// IdioShare 特质方差占总方差的比例.
func (r *Result) IdioShare() float64 {
	if r.TotalVariance == 0 {
		return math.NaN()
	}
	return r.ResidualVariance / r.TotalVariance
}

// Estimate 对 y 在因子上做 OLS 回归, 只使用两者日期交集中无缺失的观测.
// 观测不足 len(factors)+2 返回 ErrInsufficientData, 设计矩阵秩亏返回 ErrDegenerateRegression.
func Estimate(y returns.Series, f returns.FactorSeries) (*Result, error) {
	k := f.Len()
	if k == 0 {
		return nil, xerrors.Derive(xerrors.ErrEmptyData).WithDetail("factor series has no columns")
	}

	a := returns.Align(y, f)
	n := len(a.Y)
	if n < k+2 {
		return nil, xerrors.Derive(xerrors.ErrInsufficientData).
			WithDetail("%d overlapping observations, need at least %d", n, k+2).
			WithContext("observations", n).
			WithContext("factors", k)
	}

	for j, col := range a.Factors {
		if stat.PopVariance(col, nil) == 0 {
			return nil, xerrors.Derive(xerrors.ErrDegenerateRegression).
				WithDetail("factor %s is constant over the sample", f.Names[j]).
				WithContext("factor", f.Names[j])
		}
	}

	totalVar := stat.PopVariance(a.Y, nil)
	if totalVar == 0 {
		return nil, xerrors.Derive(xerrors.ErrDegenerateRegression).WithDetail("target series has zero variance")
	}

	design := mat.NewDense(n, k+1, nil)
	for t := range n {
		design.Set(t, 0, 1)
		for j := range k {
			design.Set(t, j+1, a.Factors[j][t])
		}
	}

	var qr mat.QR
	qr.Factorize(design)
	if cond := qr.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > maxCondition {
		return nil, xerrors.Derive(xerrors.ErrDegenerateRegression).
			WithDetail("design condition number %.3g", cond).
			WithContext("condition", cond)
	}

	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, mat.NewVecDense(n, a.Y)); err != nil {
		return nil, xerrors.Derive(xerrors.ErrDegenerateRegression).WithCause(err)
	}

	var fitted mat.VecDense
	fitted.MulVec(design, &coef)
	resid := make([]float64, n)
	for t := range n {
		resid[t] = a.Y[t] - fitted.AtVec(t)
	}

	betas := make([]float64, k)
	for j := range k {
		betas[j] = coef.AtVec(j + 1)
	}

	cov := popCovariance(a.Factors)
	b := mat.NewVecDense(k, betas)
	explained := mat.Inner(b, cov, b)
	residVar := stat.PopVariance(resid, nil)

	return &Result{
		Alpha:             coef.AtVec(0),
		Betas:             betas,
		Names:             append([]string(nil), f.Names...),
		ResidualVariance:  residVar,
		ExplainedVariance: explained,
		TotalVariance:     totalVar,
		RSquared:          clamp01(explained / totalVar),
		Observations:      n,
	}, nil
}

// popCovariance 按总体口径 (ddof=0) 计算列之间的协方差.
func popCovariance(cols [][]float64) *mat.SymDense {
	k := len(cols)
	if k == 0 {
		return nil
	}
	n := len(cols[0])
	if n == 0 {
		return mat.NewSymDense(k, nil)
	}
	data := mat.NewDense(n, k, nil)
	for j, col := range cols {
		for t, v := range col {
			data.Set(t, j, v)
		}
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	if n > 1 {
		cov.ScaleSym(float64(n-1)/float64(n), &cov)
	}
	return &cov
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
