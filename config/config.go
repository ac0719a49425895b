// Package config 提供了统一的配置加载与校验能力.
// 配置值在每次运行开始时构建一次, 显式传入各组件, 不存在进程级单例.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/wyfcoding/etflab/xerrors"
)

// EnvPrefix 环境变量前缀, 例如 ETFLAB_SIMULATION_SEED.
const EnvPrefix = "ETFLAB"

// Config 全局顶级配置结构.
type Config struct {
	Version    string           `mapstructure:"version"    toml:"version"`
	Log        LogConfig        `mapstructure:"log"        toml:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"    toml:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    toml:"metrics"`
	Data       DataConfig       `mapstructure:"data"       toml:"data"`
	Universe   UniverseConfig   `mapstructure:"universe"   toml:"universe"`
	Simulation SimulationConfig `mapstructure:"simulation" toml:"simulation"`
	Store      StoreConfig      `mapstructure:"store"      toml:"store"`
	Report     ReportConfig     `mapstructure:"report"     toml:"report"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"       validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format"      toml:"format"      validate:"omitempty,oneof=json text"`
	File       string `mapstructure:"file"        toml:"file"`        // 日志文件路径。
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`    // 单个文件最大大小 (MB)。
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"` // 最大备份数。
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`     // 最大保留天数。
	Compress   bool   `mapstructure:"compress"    toml:"compress"`    // 是否启用压缩。
	Console    bool   `mapstructure:"console"     toml:"console"`     // 写文件时是否同时输出到终端。
}

// TracingConfig OpenTelemetry 追踪配置, endpoint 为空时不导出.
type TracingConfig struct {
	ServiceName  string  `mapstructure:"service_name"  toml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" toml:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"  toml:"sample_ratio"  validate:"gte=0,lte=1"`
}

// MetricsConfig Prometheus 指标暴露配置.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Port    string `mapstructure:"port"    toml:"port"`
}

// DataConfig 输入数据文件位置.
type DataConfig struct {
	ReturnsPath  string `mapstructure:"returns_path"  toml:"returns_path"`
	FactorsPath  string `mapstructure:"factors_path"  toml:"factors_path"`
	UniversePath string `mapstructure:"universe_path" toml:"universe_path"`
	MarketColumn string `mapstructure:"market_column" toml:"market_column"`
	FillMethod   string `mapstructure:"fill_method"   toml:"fill_method"   validate:"omitempty,oneof=none mean ffill zero"`
}

// UniverseConfig 控制从元数据中挑选参与模拟的 ETF.
type UniverseConfig struct {
	TopNPerCategory int `mapstructure:"top_n_per_category" toml:"top_n_per_category" validate:"gt=0"`
}

// SimulationConfig 模拟核心消费的全部参数.
type SimulationConfig struct {
	MinHistory     int     `mapstructure:"min_history"      toml:"min_history"      validate:"gt=0"`
	NPortfolios    int     `mapstructure:"n_portfolios"     toml:"n_portfolios"     validate:"gt=0"`
	EtfCounts      []int   `mapstructure:"etf_counts"       toml:"etf_counts"       validate:"min=1,dive,gt=0"`
	TopPct         float64 `mapstructure:"top_pct"          toml:"top_pct"          validate:"gt=0,lte=1"`
	Seed           int64   `mapstructure:"seed"             toml:"seed"`
	MaxRetries     int     `mapstructure:"max_retries"      toml:"max_retries"      validate:"gt=0"`
	PeriodsPerYear int     `mapstructure:"periods_per_year" toml:"periods_per_year" validate:"gt=0"`
	RiskFree       float64 `mapstructure:"risk_free"        toml:"risk_free"`
	Workers        int     `mapstructure:"workers"          toml:"workers"          validate:"gt=0"`
	Score          string  `mapstructure:"score"            toml:"score"            validate:"omitempty,oneof=sharpe alpha ann_return diversification"`
	Weighting      string  `mapstructure:"weighting"        toml:"weighting"        validate:"omitempty,oneof=equal inverse_vol"`
}

// StoreConfig 运行结果持久化配置, path 为空时不落库.
type StoreConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ReportConfig 报告输出配置.
type ReportConfig struct {
	TopN      int    `mapstructure:"top_n"      toml:"top_n"      validate:"gt=0"`
	ChartPath string `mapstructure:"chart_path" toml:"chart_path"`
}

// Default 返回与原始分析脚本一致的默认配置.
func Default() Config {
	return Config{
		Version: "dev",
		Log:     LogConfig{Level: "info", Format: "json", MaxSize: 100, MaxBackups: 3, MaxAge: 7},
		Tracing: TracingConfig{ServiceName: "etflab", SampleRatio: 1.0},
		Metrics: MetricsConfig{Port: "9090"},
		Data: DataConfig{
			ReturnsPath:  "etfs-daily-1980-2024.csv",
			FactorsPath:  "FF-6factors-1980-2024.csv",
			UniversePath: "etf_universe.csv",
			MarketColumn: "mktrf",
			FillMethod:   "none",
		},
		Universe: UniverseConfig{TopNPerCategory: 5},
		Simulation: SimulationConfig{
			MinHistory:     252,
			NPortfolios:    300,
			EtfCounts:      []int{5, 10, 20},
			TopPct:         0.05,
			Seed:           42,
			MaxRetries:     100,
			PeriodsPerYear: 252,
			Workers:        1,
			Score:          "sharpe",
			Weighting:      "equal",
		},
		Report: ReportConfig{TopN: 20},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("version", d.Version)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("data.returns_path", d.Data.ReturnsPath)
	v.SetDefault("data.factors_path", d.Data.FactorsPath)
	v.SetDefault("data.universe_path", d.Data.UniversePath)
	v.SetDefault("data.market_column", d.Data.MarketColumn)
	v.SetDefault("data.fill_method", d.Data.FillMethod)
	v.SetDefault("universe.top_n_per_category", d.Universe.TopNPerCategory)
	v.SetDefault("simulation.min_history", d.Simulation.MinHistory)
	v.SetDefault("simulation.n_portfolios", d.Simulation.NPortfolios)
	v.SetDefault("simulation.etf_counts", d.Simulation.EtfCounts)
	v.SetDefault("simulation.top_pct", d.Simulation.TopPct)
	v.SetDefault("simulation.seed", d.Simulation.Seed)
	v.SetDefault("simulation.max_retries", d.Simulation.MaxRetries)
	v.SetDefault("simulation.periods_per_year", d.Simulation.PeriodsPerYear)
	v.SetDefault("simulation.risk_free", d.Simulation.RiskFree)
	v.SetDefault("simulation.workers", d.Simulation.Workers)
	v.SetDefault("simulation.score", d.Simulation.Score)
	v.SetDefault("simulation.weighting", d.Simulation.Weighting)
	v.SetDefault("report.top_n", d.Report.TopN)
}

// New 创建一个带默认值与环境变量绑定的 Viper 实例.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取配置文件 (可为空, 仅使用默认值与环境变量) 并完成校验.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith 使用调用方提供的 Viper 实例加载, 便于命令行参数绑定.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate 对整个配置执行结构校验.
func (c *Config) Validate() error {
	if err := c.Simulation.Validate(); err != nil {
		return err
	}
	if err := validator.New().Struct(c); err != nil {
		return xerrors.Derive(xerrors.ErrInvalidConfig).WithCause(err).WithDetail("config validation failed")
	}
	return nil
}

// Validate 在任何模拟工作开始前快速失败.
// seed 与 risk_free 允许为零或负数, 其余数值参数必须为正.
func (s SimulationConfig) Validate() error {
	var problems []string
	check := func(name string, ok bool) {
		if !ok {
			problems = append(problems, name)
		}
	}
	check("min_history", s.MinHistory > 0)
	check("n_portfolios", s.NPortfolios > 0)
	check("max_retries", s.MaxRetries > 0)
	check("periods_per_year", s.PeriodsPerYear > 0)
	check("workers", s.Workers > 0)
	check("top_pct", s.TopPct > 0 && s.TopPct <= 1)
	check("etf_counts", len(s.EtfCounts) > 0)
	for _, c := range s.EtfCounts {
		if c <= 0 {
			check("etf_counts", false)
			break
		}
	}

	if len(problems) > 0 {
		return xerrors.Derive(xerrors.ErrInvalidConfig).
			WithDetail("invalid simulation options: %s", strings.Join(problems, ", ")).
			WithContext("options", problems)
	}
	if err := validator.New().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return xerrors.Derive(xerrors.ErrInvalidConfig).WithCause(err).WithDetail("invalid simulation option %s", verrs[0].Field())
		}
		return xerrors.Derive(xerrors.ErrInvalidConfig).WithCause(err)
	}
	return nil
}
