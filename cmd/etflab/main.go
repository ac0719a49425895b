// Command etflab 运行 ETF 组合蒙特卡洛模拟与重叠分析.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wyfcoding/etflab/config"
)

const serviceName = "etflab"

// version 由构建时 -ldflags 注入.
var version = "dev"

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	root := &cobra.Command{
		Use:           "etflab",
		Short:         "Monte-Carlo ETF portfolio simulation and overlap analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("store", "", "SQLite file for finished runs")
	pf.String("returns", "", "CSV of daily returns (date,TICKER,RET[,SHRCD])")
	pf.String("factors", "", "CSV of factor returns (date + factor columns)")
	pf.String("universe", "", "CSV of ETF metadata (TICKER, CATEGORY, ...)")
	for flag, key := range map[string]string{
		"log-level": "log.level",
		"store":     "store.path",
		"returns":   "data.returns_path",
		"factors":   "data.factors_path",
		"universe":  "data.universe_path",
	} {
		bind(v, pf.Lookup(flag), key)
	}

	root.AddCommand(
		newSimulateCmd(v, &configPath),
		newOptimizeCmd(v, &configPath),
		newHorizonsCmd(v, &configPath),
		newRunsCmd(v, &configPath),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bind 把命令行参数绑定到配置键上, 只有显式设置的参数才会覆盖配置文件.
func bind(v *viper.Viper, f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
