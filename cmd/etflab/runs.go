package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wyfcoding/etflab/bootstrap"
	"github.com/wyfcoding/etflab/report"
	"github.com/wyfcoding/etflab/store"
	"github.com/wyfcoding/etflab/xerrors"
)

func newRunsCmd(v *viper.Viper, configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored simulation runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := bootstrap.New(serviceName, version)
			if err := b.Initialize(v, *configPath); err != nil {
				return err
			}
			if b.Config.Store.Path == "" {
				return xerrors.Derive(xerrors.ErrInvalidConfig).WithDetail("store path is empty, pass --store")
			}
			ctx := cmd.Context()
			st, err := store.Open(ctx, b.Config.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			return report.WriteRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}
