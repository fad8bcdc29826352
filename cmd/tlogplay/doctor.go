package main

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/tlogconf"
	"pkt.systems/tlogplay/schema"
	"pkt.systems/tlogplay/sshserver"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the journal and recorder setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath, "backend", cfg.Journal.Backend)

			tlogCfg, err := tlogconf.Load(cfg.TlogConfig)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				logger.Warn("doctor tlog config missing", "path", cfg.TlogConfig)
			case err != nil:
				return err
			default:
				if err := tlogCfg.Validate(); err != nil {
					return err
				}
				if tlogCfg.Writer != "" && tlogCfg.Writer != "journal" {
					logger.Warn("doctor tlog writer is not journal; recordings will not reach the journal", "writer", tlogCfg.Writer)
				}
				if !tlogCfg.Log.Output {
					logger.Warn("doctor tlog output logging disabled", "path", cfg.TlogConfig)
				}
				logger.Info("doctor tlog config ok", "path", cfg.TlogConfig, "writer", tlogCfg.Writer)
			}

			if fp, err := sshserver.HostKeyFingerprint(cfg.SSH.HostKeyPath); err == nil {
				logger.Info("doctor ssh host key", "path", cfg.SSH.HostKeyPath, "fingerprint", fp)
			} else if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("doctor ssh host key unreadable", "path", cfg.SSH.HostKeyPath, "err", err)
			}

			service, _, err := openLocalService(cmd.Context(), cfg, "")
			if err != nil {
				return err
			}
			defer func() { _ = service.Close() }()
			resp, err := service.ListRecordings(cmd.Context(), schema.ListRecordingsRequest{UserID: localUser})
			if err != nil {
				return err
			}
			logger.Info("doctor journal ok", "recordings", len(resp.Recordings), "tlog_uid", resolveTlogUID(cfg.Journal.TlogUser, logger))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}
