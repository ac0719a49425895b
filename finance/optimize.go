package finance

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/wyfcoding/etflab/xerrors"
)

// pinvRcond 伪逆中相对最大奇异值的截断阈值.
const pinvRcond = 1e-15

// Objective 仅多头优化的目标函数.
type Objective string

const (
	MinVariance  Objective = "min_var"
	MaxSharpe    Objective = "max_sharpe"
	TargetReturn Objective = "target"
)

// PseudoInverse 通过 SVD 计算 Moore-Penrose 伪逆, 小于阈值的奇异值视为 0.
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, xerrors.Derive(xerrors.ErrMathConvergence).WithDetail("svd factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	d := mat.NewDiagDense(len(s), nil)
	if len(s) > 0 {
		cutoff := pinvRcond * s[0]
		for i, sv := range s {
			if sv > cutoff {
				d.SetDiag(i, 1/sv)
			}
		}
	}
	var vd, out mat.Dense
	vd.Mul(&v, d)
	out.Mul(&vd, u.T())
	return &out, nil
}

// MinimumVarianceWeights 无约束最小方差组合: w = Σ⁺1 / (1ᵀΣ⁺1).
func MinimumVarianceWeights(cov mat.Symmetric) ([]float64, error) {
	n := cov.SymmetricDim()
	inv, err := PseudoInverse(cov)
	if err != nil {
		return nil, err
	}
	ones := onesVec(n)
	var w mat.VecDense
	w.MulVec(inv, ones)
	denom := mat.Dot(ones, &w)
	if denom == 0 {
		return nil, xerrors.Derive(xerrors.ErrDegenerateRegression).WithDetail("1ᵀΣ⁺1 is zero")
	}
	w.ScaleVec(1/denom, &w)
	return w.RawVector().Data, nil
}

// TargetReturnWeights 无约束均值-方差组合, 满足 wᵀμ = target 且权重和为 1.
// 有效前沿退化时回退为最小方差组合.
func TargetReturnWeights(mu []float64, cov mat.Symmetric, target float64) ([]float64, error) {
	n := cov.SymmetricDim()
	if len(mu) != n {
		return nil, xerrors.Derive(xerrors.ErrDimMismatch).WithDetail("mu has %d entries, cov is %dx%d", len(mu), n, n)
	}
	inv, err := PseudoInverse(cov)
	if err != nil {
		return nil, err
	}
	ones := onesVec(n)
	m := mat.NewVecDense(n, mu)
	a := mat.Inner(ones, inv, ones)
	b := mat.Inner(ones, inv, m)
	c := mat.Inner(m, inv, m)
	denom := a*c - b*b
	if denom == 0 {
		return MinimumVarianceWeights(cov)
	}
	lam := (c - b*target) / denom
	gamma := (a*target - b) / denom

	mix := mat.NewVecDense(n, nil)
	mix.AddScaledVec(mix, lam, ones)
	mix.AddScaledVec(mix, gamma, m)
	var w mat.VecDense
	w.MulVec(inv, mix)
	return w.RawVector().Data, nil
}

// MaxSharpeWeights 无约束最大夏普组合: w ∝ Σ⁺(μ - rf), 权重和非零时归一化.
func MaxSharpeWeights(mu []float64, cov mat.Symmetric, riskFree float64) ([]float64, error) {
	n := cov.SymmetricDim()
	if len(mu) != n {
		return nil, xerrors.Derive(xerrors.ErrDimMismatch).WithDetail("mu has %d entries, cov is %dx%d", len(mu), n, n)
	}
	inv, err := PseudoInverse(cov)
	if err != nil {
		return nil, err
	}
	excess := make([]float64, n)
	for i, v := range mu {
		excess[i] = v - riskFree
	}
	var w mat.VecDense
	w.MulVec(inv, mat.NewVecDense(n, excess))
	out := w.RawVector().Data
	if sum := floats.Sum(out); sum != 0 {
		floats.Scale(1/sum, out)
	}
	return out, nil
}

// LongOnlyOptions 仅多头优化参数.
type LongOnlyOptions struct {
	Objective Objective
	Target    *float64 // 非空时要求 wᵀμ >= *Target
	RiskFree  float64
	MaxIter   int
}

// LongOnlyWeights 在 w >= 0, Σw = 1 下优化组合.
// 通过 softmax 参数化消去约束, 使用 Nelder-Mead 求解; 目标收益约束以罚函数处理.
// 求解失败或约束无法满足时返回等权.
func LongOnlyWeights(mu []float64, cov mat.Symmetric, opts LongOnlyOptions) []float64 {
	n := cov.SymmetricDim()
	equal := make([]float64, n)
	for i := range equal {
		equal[i] = 1 / float64(n)
	}
	if n <= 1 || len(mu) != n {
		return equal
	}
	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = 200 * n
	}

	const penalty = 1e6
	objective := func(x []float64) float64 {
		w := softmax(x)
		variance := quadForm(w, cov)
		ret := floats.Dot(w, mu)
		var val float64
		if opts.Objective == MaxSharpe {
			vol := math.Sqrt(math.Max(variance, 0))
			if vol == 0 {
				return math.MaxFloat64
			}
			val = -(ret - opts.RiskFree) / vol
		} else {
			val = variance
		}
		if opts.Target != nil && ret < *opts.Target {
			gap := *opts.Target - ret
			val += penalty * gap * gap
		}
		return val
	}

	// 达到迭代上限时 err 非空, 但 res.X 仍是已找到的最优点.
	res, _ := optimize.Minimize(
		optimize.Problem{Func: objective},
		make([]float64, n),
		&optimize.Settings{MajorIterations: maxIter},
		&optimize.NelderMead{},
	)
	if res == nil || len(res.X) != n || !isFinite(res.X) {
		return equal
	}
	w := softmax(res.X)
	if opts.Target != nil && floats.Dot(w, mu) < *opts.Target-1e-6 {
		return equal
	}
	return w
}

// Allocation 将权重按标的输出为 decimal, 便于展示与持久化.
func Allocation(ids []string, weights []float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(ids))
	for i, id := range ids {
		if i < len(weights) {
			out[id] = decimal.NewFromFloat(weights[i])
		}
	}
	return out
}

func isFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func softmax(x []float64) []float64 {
	w := make([]float64, len(x))
	peak := floats.Max(x)
	var sum float64
	for i, v := range x {
		w[i] = math.Exp(v - peak)
		sum += w[i]
	}
	floats.Scale(1/sum, w)
	return w
}

func quadForm(w []float64, cov mat.Symmetric) float64 {
	v := mat.NewVecDense(len(w), w)
	return mat.Inner(v, cov, v)
}

func onesVec(n int) *mat.VecDense {
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	return mat.NewVecDense(n, ones)
}
