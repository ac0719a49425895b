// Package bootstrap 负责一次分析运行的基础设施初始化: 配置、日志、追踪与指标.
package bootstrap

import (
	"context"

	"github.com/spf13/viper"

	"github.com/wyfcoding/etflab/config"
	"github.com/wyfcoding/etflab/logging"
	"github.com/wyfcoding/etflab/metrics"
	"github.com/wyfcoding/etflab/tracing"
)

// Bootstrapper 处理通用基础设施的初始化
type Bootstrapper struct {
	ServiceName string
	Version     string
	Config      *config.Config
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
}

// New 创建一个新的引导器实例
func New(serviceName, version string) *Bootstrapper {
	return &Bootstrapper{
		ServiceName: serviceName,
		Version:     version,
	}
}

// Initialize 加载配置文件 (可为空) 并按配置初始化日志系统.
// v 由调用方创建, 以便命令行参数先行绑定到对应的键上.
func (b *Bootstrapper) Initialize(v *viper.Viper, configPath string) error {
	cfg, err := config.LoadWith(v, configPath)
	if err != nil {
		// 配置不可用时仍需要一个可用的 logger 报告错误.
		logging.NewLogger(b.ServiceName, "bootstrap").Error("failed to load config", "error", err, "path", configPath)
		return err
	}
	if b.Version != "" {
		cfg.Version = b.Version
	}
	b.Config = cfg

	b.Logger = logging.NewFromConfig(logging.Config{
		Service:    b.ServiceName,
		Module:     "bootstrap",
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Console:    cfg.Log.Console,
	})
	logging.InitLogger(logging.Config{Service: b.ServiceName, Module: "default", Level: cfg.Log.Level, Format: cfg.Log.Format})
	b.Logger.Info("config loaded", "path", configPath, "version", cfg.Version)
	return nil
}

// SetupTracing 初始化 OpenTelemetry 追踪器, 返回关闭函数.
func (b *Bootstrapper) SetupTracing(ctx context.Context) func() {
	tc := b.Config.Tracing
	if tc.ServiceName == "" {
		tc.ServiceName = b.ServiceName
	}
	shutdown, err := tracing.InitTracer(ctx, tc)
	if err != nil {
		b.Logger.Error("failed to init tracer", "error", err)
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			b.Logger.Error("failed to shutdown tracer", "error", err)
		}
	}
}

// SetupMetrics 创建指标注册表, 配置启用时同时暴露 HTTP 端点.
func (b *Bootstrapper) SetupMetrics() func() {
	b.Metrics = metrics.NewMetrics(b.ServiceName)
	b.Metrics.RegisterBuildInfo(b.ServiceName, b.Config.Version)
	if !b.Config.Metrics.Enabled {
		return func() {}
	}
	b.Logger.Info("metrics endpoint enabled", "port", b.Config.Metrics.Port)
	return b.Metrics.ExposeHttp(b.Config.Metrics.Port)
}
