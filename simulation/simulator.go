// Package simulation 实现蒙特卡洛组合模拟: 反复抽样组合, 计算收益、风险与因子分解,
// 汇总为可复现的评分总体.
package simulation

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/etflab/config"
	"github.com/wyfcoding/etflab/factor"
	"github.com/wyfcoding/etflab/finance"
	"github.com/wyfcoding/etflab/logging"
	"github.com/wyfcoding/etflab/metrics"
	"github.com/wyfcoding/etflab/portfolio"
	"github.com/wyfcoding/etflab/returns"
	"github.com/wyfcoding/etflab/tracing"
	"github.com/wyfcoding/etflab/xerrors"
)

// 排名使用的评分.
const (
	ScoreSharpe          = "sharpe"
	ScoreAlpha           = "alpha"
	ScoreAnnReturn       = "ann_return"
	ScoreDiversification = "diversification"
)

// errAbandoned 序号更小的试验已失败, 本试验不再继续.
var errAbandoned = errors.New("trial abandoned")

// 拒绝原因, 同时作为指标标签.
const (
	reasonHistory    = "history"
	reasonDegenerate = "degenerate"
)

// Record 单个试验产出的组合记录, 创建后不再修改.
type Record struct {
	Trial     int                   `json:"trial"`
	Attempts  int                   `json:"attempts"`
	Portfolio portfolio.Portfolio   `json:"portfolio"`
	Returns   returns.Series        `json:"-"`
	Metrics   finance.Metrics       `json:"metrics"`
	Risk      *factor.Decomposition `json:"risk,omitempty"`
	Factor    *factor.Result        `json:"factor,omitempty"`
	Alpha     float64               `json:"alpha"` // 年化因子 alpha, 未提供因子时为 NaN
	FactorErr error                 `json:"-"`     // 因子或市场分解数据不足时记录, 不影响该试验
	Score     float64               `json:"score"`
}

// IdioShare 特质风险占比, 没有市场分解时为 NaN.
func (r Record) IdioShare() float64 {
	if r.Risk == nil {
		return math.NaN()
	}
	return r.Risk.IdioShare
}

// Result 一次模拟运行的全部输出.
type Result struct {
	Records  []Record
	Seed     int64
	Config   config.SimulationConfig
	Universe []string       // 合格标的池
	Attempts int            // 所有试验的尝试总数
	Rejected map[string]int // 按原因统计的拒绝次数
	Elapsed  time.Duration
}

// Simulator 组合模拟器.
type Simulator struct {
	cfg     config.SimulationConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
	workers int
}

// Option 定义模拟器配置选项.
type Option func(*Simulator)

// WithLogger 设置日志记录器.
func WithLogger(l *logging.Logger) Option {
	return func(s *Simulator) {
		s.logger = l
	}
}

// WithMetrics 设置指标采集器, 为空时不上报.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Simulator) {
		s.metrics = m
	}
}

// WithWorkers 覆盖配置中的并发度.
func WithWorkers(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.workers = n
		}
	}
}

// New 校验配置并创建模拟器, 配置非法时返回 ErrInvalidConfig.
func New(cfg config.SimulationConfig, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Score == "" {
		cfg.Score = ScoreSharpe
	}
	if cfg.Weighting == "" {
		cfg.Weighting = string(portfolio.EqualWeight)
	}
	s := &Simulator{cfg: cfg, workers: cfg.Workers}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default().Named("simulation")
	}
	return s, nil
}

// Config 返回生效的配置.
func (s *Simulator) Config() config.SimulationConfig {
	return s.cfg
}

// Simulate 运行 n_portfolios 个试验.
// factors 与 market 均可为空; 提供时分别用于因子 alpha 与市场/特质风险分解.
// 相同的面板、因子、配置与种子总是产出相同的结果, 与并发度无关.
func (s *Simulator) Simulate(ctx context.Context, panel *returns.Panel, factors *returns.FactorSeries, market *returns.Series) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "simulation.Simulate")
	defer span.End()
	if s.metrics != nil {
		defer s.metrics.ObserveStage("simulate")()
	}
	start := time.Now()

	universe := panel.Eligible(s.cfg.MinHistory)
	for _, c := range s.cfg.EtfCounts {
		if c > len(universe) {
			err := xerrors.Derive(xerrors.ErrInvalidPortfolioSize).
				WithDetail("etf count %d exceeds %d eligible instruments", c, len(universe)).
				WithContext("count", c).
				WithContext("universe", len(universe))
			tracing.SetError(ctx, err)
			return nil, err
		}
	}

	tracing.AddTag(ctx, "simulation.trials", s.cfg.NPortfolios)
	tracing.AddTag(ctx, "simulation.universe", len(universe))
	tracing.AddTag(ctx, "simulation.seed", s.cfg.Seed)
	s.logger.InfoContext(ctx, "simulation started",
		"trials", s.cfg.NPortfolios, "universe", len(universe), "etf_counts", s.cfg.EtfCounts,
		"seed", s.cfg.Seed, "workers", s.workers)

	n := s.cfg.NPortfolios
	records := make([]Record, n)
	rejects := make([]map[string]int, n)
	errs := make([]error, n)
	var completed atomic.Int64

	// failedAt 为目前失败的最小试验序号. 序号更大的试验不再继续,
	// 序号更小的试验照常跑完, 因此报告的错误与并发度无关.
	var failedAt atomic.Int64
	failedAt.Store(int64(n))
	abandoned := func(i int) bool { return int64(i) > failedAt.Load() }

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range n {
		g.Go(func() error {
			if abandoned(i) {
				return nil
			}
			rec, rej, err := s.runTrial(ctx, panel, factors, market, universe, i, func() bool { return abandoned(i) })
			rejects[i] = rej
			switch {
			case errors.Is(err, errAbandoned):
				return nil
			case err != nil:
				errs[i] = err
				lowerTo(&failedAt, int64(i))
				return nil
			}
			records[i] = rec
			completed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if err := firstError(errs); err != nil {
		if e, ok := xerrors.FromError(err); ok && errors.Is(e, xerrors.ErrSimulationExhausted) {
			e.WithContext("completed", completed.Load())
		}
		tracing.SetError(ctx, err)
		s.logger.ErrorContext(ctx, "simulation failed", "error", err, "completed", completed.Load())
		return nil, err
	}

	res := &Result{
		Records:  records,
		Seed:     s.cfg.Seed,
		Config:   s.cfg,
		Universe: universe,
		Rejected: make(map[string]int),
		Elapsed:  time.Since(start),
	}
	res.Config.EtfCounts = slices.Clone(s.cfg.EtfCounts)
	for i := range records {
		res.Attempts += records[i].Attempts
		for reason, c := range rejects[i] {
			res.Rejected[reason] += c
		}
	}

	s.logger.InfoContext(ctx, "simulation finished",
		"trials", n, "attempts", res.Attempts, "rejected", res.Rejected, "duration", res.Elapsed)
	return res, nil
}

// runTrial 为第 i 个试验槽位反复抽样, 直到得到合格组合或耗尽重试预算.
// 首次尝试之外最多再重试 max_retries 次.
// stop 返回 true 时放弃该试验.
func (s *Simulator) runTrial(ctx context.Context, panel *returns.Panel, factors *returns.FactorSeries, market *returns.Series, universe []string, i int, stop func() bool) (Record, map[string]int, error) {
	size := s.cfg.EtfCounts[i%len(s.cfg.EtfCounts)]
	weighting := portfolio.Weighting(s.cfg.Weighting)
	rejected := make(map[string]int)
	budget := s.cfg.MaxRetries + 1

	for attempt := range budget {
		if err := ctx.Err(); err != nil {
			return Record{}, rejected, err
		}
		if stop() {
			return Record{}, rejected, errAbandoned
		}

		p, err := portfolio.Sample(universe, size, newRand(s.cfg.Seed, i, attempt))
		if err != nil {
			return Record{}, rejected, err
		}
		if p, err = weighting.Reweight(p, panel); err != nil {
			return Record{}, rejected, err
		}
		series, err := p.Returns(panel)
		if err != nil {
			return Record{}, rejected, err
		}
		if series.Len() < s.cfg.MinHistory {
			s.reject(rejected, reasonHistory)
			continue
		}

		rec := Record{
			Trial:     i,
			Attempts:  attempt + 1,
			Portfolio: p,
			Returns:   series,
			Metrics:   finance.Evaluate(series.Values, s.cfg.RiskFree, s.cfg.PeriodsPerYear),
			Alpha:     math.NaN(),
		}
		ok, err := s.attachRisk(&rec, factors, market)
		if err != nil {
			return Record{}, rejected, err
		}
		if !ok {
			s.reject(rejected, reasonDegenerate)
			continue
		}
		rec.Score = s.score(rec)

		if s.metrics != nil {
			s.metrics.TrialsTotal.WithLabelValues("accepted").Inc()
			s.metrics.AttemptsPerTrial.Observe(float64(rec.Attempts))
		}
		if attempt > 0 {
			s.logger.DebugContext(ctx, "trial filled after retries", "trial", i, "attempts", rec.Attempts)
		}
		return rec, rejected, nil
	}

	s.logger.WarnContext(ctx, "trial exhausted retry budget", "trial", i, "size", size, "attempts", budget)
	return Record{}, rejected, xerrors.Derive(xerrors.ErrSimulationExhausted).
		WithDetail("trial %d found no valid portfolio of size %d in %d attempts", i, size, budget).
		WithContext("trial", i).
		WithContext("size", size).
		WithContext("attempts", budget)
}

// attachRisk 计算市场分解与因子回归.
// 回归退化时返回 false 由调用方重抽; 数据不足只记录在 FactorErr 上.
func (s *Simulator) attachRisk(rec *Record, factors *returns.FactorSeries, market *returns.Series) (bool, error) {
	recoverable := func(err error) (bool, error) {
		switch {
		case errors.Is(err, xerrors.ErrDegenerateRegression):
			return false, nil
		case errors.Is(err, xerrors.ErrInsufficientData):
			if rec.FactorErr == nil {
				rec.FactorErr = err
			}
			return true, nil
		default:
			return false, err
		}
	}

	if market != nil {
		d, err := factor.Decompose(rec.Returns, *market)
		if err != nil {
			if ok, ferr := recoverable(err); !ok || ferr != nil {
				return ok, ferr
			}
		} else {
			rec.Risk = d
		}
	}
	if factors != nil {
		res, err := factor.Estimate(rec.Returns, *factors)
		if err != nil {
			if ok, ferr := recoverable(err); !ok || ferr != nil {
				return ok, ferr
			}
		} else {
			rec.Factor = res
			rec.Alpha = res.Alpha * float64(s.cfg.PeriodsPerYear)
		}
	}
	return true, nil
}

func (s *Simulator) score(rec Record) float64 {
	switch s.cfg.Score {
	case ScoreAlpha:
		return rec.Alpha
	case ScoreAnnReturn:
		return rec.Metrics.AnnReturn
	case ScoreDiversification:
		return 1 - rec.IdioShare()
	default:
		return rec.Metrics.Sharpe
	}
}

// lowerTo 把 v 原子地降到 i, 已经更小时不变.
func lowerTo(v *atomic.Int64, i int64) {
	for {
		cur := v.Load()
		if i >= cur || v.CompareAndSwap(cur, i) {
			return
		}
	}
}

// firstError 返回序号最小的非取消错误; 全部是取消时返回第一个.
func firstError(errs []error) error {
	var canceled error
	for _, e := range errs {
		switch {
		case e == nil:
		case errors.Is(e, context.Canceled), errors.Is(e, context.DeadlineExceeded):
			if canceled == nil {
				canceled = e
			}
		default:
			return e
		}
	}
	return canceled
}

func (s *Simulator) reject(counts map[string]int, reason string) {
	counts[reason]++
	if s.metrics != nil {
		s.metrics.TrialsTotal.WithLabelValues("rejected").Inc()
		s.metrics.RejectionsTotal.WithLabelValues(reason).Inc()
	}
}
