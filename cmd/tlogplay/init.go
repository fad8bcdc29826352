package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/appconfig"
)

func newInitCmd() *cobra.Command {
	var output string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.WriteDefault(output, overwrite)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("init wrote", "path", path, "name", "config.yaml")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "config path (default ~/.tlogplay/config.yaml)")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing config")
	return cmd
}
