package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/tlogconf"
)

func newTlogConfigCmd() *cobra.Command {
	var cfgPath string
	var tlogPath string
	cmd := &cobra.Command{
		Use:   "tlog-config",
		Short: "Show or change the tlog-rec-session configuration",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&tlogPath, "file", "", "tlog-rec-session.conf path (default from config)")
	resolve := func() (string, error) {
		if strings.TrimSpace(tlogPath) != "" {
			return tlogPath, nil
		}
		cfg, err := appconfig.Load(cfgPath)
		if err != nil {
			return "", err
		}
		return cfg.TlogConfig, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the recorder configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			cfg, err := tlogconf.Load(path)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one recorder setting",
		Long:  "Change one recorder setting. Keys: " + strings.Join(tlogconf.Keys(), ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			cfg, err := tlogconf.Load(path)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := tlogconf.Save(path, cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}
