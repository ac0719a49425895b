package finance

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/xerrors"
)

func TestEvaluate(t *testing.T) {
	m := Evaluate([]float64{0.01, -0.01, 0.02, math.NaN(), 0}, 0, 252)

	assert.Equal(t, 4, m.Periods)
	assert.InDelta(t, 0.005*252, m.AnnReturn, 1e-12)
	// 总体标准差: sqrt(mean((x-0.005)^2)) = sqrt(0.000125)
	assert.InDelta(t, math.Sqrt(0.000125)*math.Sqrt(252), m.AnnVol, 1e-12)
	assert.InDelta(t, m.AnnReturn/m.AnnVol, m.Sharpe, 1e-12)
	assert.InDelta(t, -0.01, m.MaxDrawdown, 1e-12)
}

func TestEvaluateDegenerate(t *testing.T) {
	flat := Evaluate([]float64{0, 0, 0}, 0, 252)
	assert.Equal(t, 0.0, flat.AnnVol)
	assert.True(t, math.IsNaN(flat.Sharpe), "zero volatility gives NaN sharpe")

	empty := Evaluate([]float64{math.NaN()}, 0, 252)
	assert.True(t, math.IsNaN(empty.AnnReturn))
	assert.Equal(t, 0, empty.Periods)
}

func TestMaxDrawdownCompounds(t *testing.T) {
	// 1 → 1.1 → 0.55 → 0.605: 回撤 0.55/1.1 - 1 = -0.5
	assert.InDelta(t, -0.5, MaxDrawdown([]float64{0.1, -0.5, 0.1}), 1e-12)
	assert.Equal(t, 0.0, MaxDrawdown([]float64{0.01, 0.02}))
	assert.True(t, math.IsNaN(MaxDrawdown(nil)))
}

func statsPanel(t *testing.T) *returns.Panel {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dates := make([]time.Time, 6)
	for i := range dates {
		dates[i] = start.AddDate(0, 0, i)
	}
	p, err := returns.NewPanel(dates, map[string][]float64{
		"A": {0.01, 0.02, -0.01, 0.00, 0.01, math.NaN()},
		"B": {0.00, 0.01, 0.01, -0.02, 0.02, 0.05},
	})
	require.NoError(t, err)
	return p
}

func TestAnnualizeStats(t *testing.T) {
	p := statsPanel(t)

	mu, cov, err := AnnualizeStats(p, []string{"A", "B"}, 252)
	require.NoError(t, err)
	assert.InDelta(t, 0.006*252, mu[0], 1e-12)
	assert.InDelta(t, 0.004*252, mu[1], 1e-12, "the NaN row is dropped for every instrument")

	a := []float64{0.01, 0.02, -0.01, 0.00, 0.01}
	var ss float64
	for _, v := range a {
		ss += (v - 0.006) * (v - 0.006)
	}
	assert.InDelta(t, ss/5*252, cov.At(0, 0), 1e-12)
	assert.InDelta(t, cov.At(0, 1), cov.At(1, 0), 1e-15)

	_, _, err = AnnualizeStats(p, nil, 252)
	assert.ErrorIs(t, err, xerrors.ErrEmptyData)
	_, _, err = AnnualizeStats(p, []string{"Z"}, 252)
	assert.ErrorIs(t, err, xerrors.ErrUnknownColumn)
}

func testCov() *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		0.04, 0.006, 0.002,
		0.006, 0.09, 0.009,
		0.002, 0.009, 0.0225,
	})
}

func TestUnconstrainedWeightsSumToOne(t *testing.T) {
	cov := testCov()
	mu := []float64{0.06, 0.10, 0.04}

	w, err := MinimumVarianceWeights(cov)
	require.NoError(t, err)
	assert.InDelta(t, 1, floats.Sum(w), 1e-9)
	// 最小方差组合的方差不大于任何单一资产.
	assert.LessOrEqual(t, PortfolioVolatility(w, cov), math.Sqrt(0.0225)+1e-12)

	w, err = TargetReturnWeights(mu, cov, 0.08)
	require.NoError(t, err)
	assert.InDelta(t, 1, floats.Sum(w), 1e-9)
	assert.InDelta(t, 0.08, floats.Dot(w, mu), 1e-9)

	w, err = MaxSharpeWeights(mu, cov, 0.01)
	require.NoError(t, err)
	assert.InDelta(t, 1, floats.Sum(w), 1e-9)

	_, err = TargetReturnWeights(mu[:2], cov, 0.08)
	assert.ErrorIs(t, err, xerrors.ErrDimMismatch)
}

func TestPseudoInverseSingular(t *testing.T) {
	// 秩为 1 的矩阵: 伪逆满足 A·A⁺·A = A.
	a := mat.NewDense(2, 2, []float64{1, 2, 2, 4})
	pinv, err := PseudoInverse(a)
	require.NoError(t, err)

	var apa, tmp mat.Dense
	tmp.Mul(a, pinv)
	apa.Mul(&tmp, a)
	assert.True(t, mat.EqualApprox(a, &apa, 1e-9))
}

func TestLongOnlyWeights(t *testing.T) {
	cov := testCov()
	mu := []float64{0.06, 0.10, 0.04}

	for _, obj := range []Objective{MinVariance, MaxSharpe} {
		w := LongOnlyWeights(mu, cov, LongOnlyOptions{Objective: obj, RiskFree: 0.01})
		require.Len(t, w, 3)
		assert.InDelta(t, 1, floats.Sum(w), 1e-9, obj)
		for _, v := range w {
			assert.GreaterOrEqual(t, v, 0.0, obj)
		}
	}

	minVar := LongOnlyWeights(mu, cov, LongOnlyOptions{Objective: MinVariance})
	equal := []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
	assert.Less(t, PortfolioVolatility(minVar, cov), PortfolioVolatility(equal, cov))

	// 无法达到的目标收益回退为等权.
	impossible := 0.5
	w := LongOnlyWeights(mu, cov, LongOnlyOptions{Objective: MinVariance, Target: &impossible})
	assert.InDeltaSlice(t, equal, w, 1e-12)

	single := LongOnlyWeights([]float64{0.1}, mat.NewSymDense(1, []float64{0.04}), LongOnlyOptions{})
	assert.Equal(t, []float64{1}, single)
}

func TestOptimize(t *testing.T) {
	cov := testCov()
	mu := []float64{0.06, 0.10, 0.04}
	ids := []string{"A", "B", "C"}

	plan, err := Optimize(ids, mu, cov, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, ids, plan.IDs)
	assert.InDelta(t, 1, floats.Sum(plan.Weights), 1e-9)
	assert.InDelta(t, floats.Dot(plan.Weights, mu), plan.ExpectedReturn, 1e-12)
	assert.False(t, math.IsNaN(plan.Sharpe(0)))

	target := 0.07
	plan, err = Optimize(ids, mu, cov, PlanOptions{Objective: TargetReturn, Target: &target})
	require.NoError(t, err)
	assert.InDelta(t, target, plan.ExpectedReturn, 1e-9)

	_, err = Optimize(ids, mu, cov, PlanOptions{Objective: TargetReturn})
	assert.ErrorIs(t, err, xerrors.ErrInvalidConfig)
	_, err = Optimize(ids, mu, cov, PlanOptions{Objective: "risk_parity"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidConfig)
	_, err = Optimize(ids[:2], mu, cov, PlanOptions{})
	assert.ErrorIs(t, err, xerrors.ErrDimMismatch)

	plan, err = Optimize(ids, mu, cov, PlanOptions{Objective: MaxSharpe, LongOnly: true})
	require.NoError(t, err)
	for _, v := range plan.Weights {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestAllocation(t *testing.T) {
	alloc := Allocation([]string{"A", "B", "C"}, []float64{0.25, 0.75})
	assert.Len(t, alloc, 2)
	assert.True(t, alloc["B"].Equal(decimal.RequireFromString("0.75")))
}
