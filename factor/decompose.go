package factor

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/xerrors"
)

// MarketFactor 单因子市场分解中使用的因子名.
const MarketFactor = "market"

// Decomposition 组合方差的市场 / 特质拆分.
type Decomposition struct {
	Beta           float64
	MarketVariance float64
	IdioVariance   float64
	TotalVariance  float64
	IdioShare      float64
	Observations   int
}

// Decompose 以单一市场序列回归组合收益, 拆出市场方差与特质方差.
// 两条序列没有足够的重叠日期时返回 ErrInsufficientData.
func Decompose(portfolio, market returns.Series) (*Decomposition, error) {
	f, err := returns.NewFactorSeries(market.Dates, []string{MarketFactor}, map[string][]float64{MarketFactor: market.Values})
	if err != nil {
		return nil, err
	}
	res, err := Estimate(portfolio, f)
	if err != nil {
		return nil, err
	}
	return &Decomposition{
		Beta:           res.Betas[0],
		MarketVariance: res.ExplainedVariance,
		IdioVariance:   res.ResidualVariance,
		TotalVariance:  res.TotalVariance,
		IdioShare:      res.IdioShare(),
		Observations:   res.Observations,
	}, nil
}

// Loadings 多个标的的因子暴露表.
type Loadings struct {
	IDs       []string
	Names     []string
	Betas     *mat.Dense    // len(IDs) × len(Names)
	FactorCov *mat.SymDense // 总体口径因子协方差
	IdioVar   []float64
	Alphas    []float64
}

// EstimateMany 对面板中的每个标的分别估计因子模型.
// 因子协方差使用面板日期与因子日期交集中无缺失的行.
func EstimateMany(panel *returns.Panel, f returns.FactorSeries, ids []string) (*Loadings, error) {
	if len(ids) == 0 {
		ids = panel.Instruments()
	}
	if len(ids) == 0 || f.Len() == 0 {
		return nil, xerrors.Derive(xerrors.ErrEmptyData).WithDetail("need at least one instrument and one factor")
	}
	l := &Loadings{
		IDs:     append([]string(nil), ids...),
		Names:   append([]string(nil), f.Names...),
		Betas:   mat.NewDense(len(ids), f.Len(), nil),
		IdioVar: make([]float64, len(ids)),
		Alphas:  make([]float64, len(ids)),
	}
	for i, id := range ids {
		s, err := panel.Series(id)
		if err != nil {
			return nil, err
		}
		res, err := Estimate(s, f)
		if err != nil {
			if e, ok := xerrors.FromError(err); ok {
				return nil, e.WithContext("instrument", id)
			}
			return nil, err
		}
		l.Betas.SetRow(i, res.Betas)
		l.IdioVar[i] = res.ResidualVariance
		l.Alphas[i] = res.Alpha
	}

	ones := make([]float64, panel.Len())
	l.FactorCov = popCovariance(returns.Align(returns.Series{Dates: panel.Dates(), Values: ones}, f).Factors)
	return l, nil
}

// ImpliedCovariance 计算因子模型隐含的协方差矩阵 B·F·Bᵀ + D.
func ImpliedCovariance(l *Loadings) *mat.SymDense {
	n := len(l.IDs)
	var bf mat.Dense
	bf.Mul(l.Betas, l.FactorCov)
	var bfb mat.Dense
	bfb.Mul(&bf, l.Betas.T())

	cov := mat.NewSymDense(n, nil)
	for i := range n {
		for j := i; j < n; j++ {
			v := bfb.At(i, j)
			if i == j {
				v += l.IdioVar[i]
			}
			cov.SetSym(i, j, v)
		}
	}
	return cov
}

// Correlation 计算因子之间的相关系数矩阵, 仅使用所有因子均有值的行.
func Correlation(f returns.FactorSeries) *mat.SymDense {
	if f.Len() == 0 {
		return nil
	}
	rows := make([][]float64, 0, len(f.Dates))
	for t := range f.Dates {
		row := make([]float64, f.Len())
		valid := true
		for j, name := range f.Names {
			v := f.Values[name][t]
			if math.IsNaN(v) {
				valid = false
				break
			}
			row[j] = v
		}
		if valid {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return mat.NewSymDense(f.Len(), nil)
	}
	data := mat.NewDense(len(rows), f.Len(), nil)
	for i, row := range rows {
		data.SetRow(i, row)
	}
	var corr mat.SymDense
	stat.CorrelationMatrix(&corr, data, nil)
	return &corr
}

// ScaleFactors 当因子绝对值中位数大于 1 时认为输入为百分比并除以 100.
func ScaleFactors(f returns.FactorSeries) returns.FactorSeries {
	if med := f.MedianAbs(); !math.IsNaN(med) && med > 1 {
		return f.Scale(0.01)
	}
	return f
}
