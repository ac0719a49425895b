package finance

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/wyfcoding/etflab/xerrors"
)

// PlanOptions 选择优化目标与约束.
type PlanOptions struct {
	Objective Objective
	Target    *float64 // TargetReturn 必填; 仅多头时作为收益下限
	RiskFree  float64
	LongOnly  bool
}

// Plan 一次优化得到的权重及其事前年化收益与波动.
type Plan struct {
	IDs            []string
	Weights        []float64
	ExpectedReturn float64
	Volatility     float64
}

// Sharpe 事前夏普比率, 波动为 0 时为 NaN.
func (p *Plan) Sharpe(riskFree float64) float64 {
	if p.Volatility == 0 {
		return math.NaN()
	}
	return (p.ExpectedReturn - riskFree) / p.Volatility
}

// Optimize 按 opts 在 (mu, cov) 上求解权重.
// 无约束时使用解析解, 仅多头时使用 LongOnlyWeights.
func Optimize(ids []string, mu []float64, cov mat.Symmetric, opts PlanOptions) (*Plan, error) {
	n := cov.SymmetricDim()
	if len(ids) != n || len(mu) != n {
		return nil, xerrors.Derive(xerrors.ErrDimMismatch).
			WithDetail("%d ids, %d expected returns, cov is %dx%d", len(ids), len(mu), n, n)
	}
	if opts.Objective == "" {
		opts.Objective = MinVariance
	}
	if opts.Objective == TargetReturn && opts.Target == nil {
		return nil, xerrors.Derive(xerrors.ErrInvalidConfig).WithDetail("target objective requires a target return")
	}

	var (
		w   []float64
		err error
	)
	switch {
	case opts.LongOnly:
		obj := opts.Objective
		if obj == TargetReturn {
			obj = MinVariance
		}
		w = LongOnlyWeights(mu, cov, LongOnlyOptions{Objective: obj, Target: opts.Target, RiskFree: opts.RiskFree})
	case opts.Objective == MinVariance:
		w, err = MinimumVarianceWeights(cov)
	case opts.Objective == MaxSharpe:
		w, err = MaxSharpeWeights(mu, cov, opts.RiskFree)
	case opts.Objective == TargetReturn:
		w, err = TargetReturnWeights(mu, cov, *opts.Target)
	default:
		return nil, xerrors.Derive(xerrors.ErrInvalidConfig).WithDetail("unknown objective %q", opts.Objective)
	}
	if err != nil {
		return nil, err
	}

	return &Plan{
		IDs:            append([]string(nil), ids...),
		Weights:        w,
		ExpectedReturn: floats.Dot(w, mu),
		Volatility:     PortfolioVolatility(w, cov),
	}, nil
}
