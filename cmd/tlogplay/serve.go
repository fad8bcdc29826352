package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay"
	"pkt.systems/tlogplay/httpapi"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/sshserver"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noHTTP bool
	var noSSH bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and SSH recording viewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			var opts []tlogplay.ServerOption
			if !noHTTP && cfg.HTTP.Addr != "" {
				opts = append(opts, tlogplay.WithHTTP())
			}
			if !noSSH && cfg.SSH.Addr != "" {
				opts = append(opts, tlogplay.WithSSH())
			}
			if len(opts) == 0 {
				return errors.New("both viewers are disabled")
			}
			j, err := openJournal(cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("journal backend selected", "backend", cfg.Journal.Backend, "tlog_user", cfg.Journal.TlogUser)

			serverCfg := tlogplay.ServerConfig{
				Service:        cfg.ServiceConfig(),
				HTTP:           toHTTPConfig(cfg.HTTP),
				SSH:            toSSHConfig(cfg.SSH),
				Auth:           toAuthConfig(cfg.Auth),
				TlogUID:        resolveTlogUID(cfg.Journal.TlogUser, logger),
				TlogConfigPath: cfg.TlogConfig,
			}
			server, err := tlogplay.New(serverCfg, tlogplay.ServerDeps{Journal: j, Logger: logger}, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not start the HTTP viewer")
	cmd.Flags().BoolVar(&noSSH, "no-ssh", false, "do not start the SSH viewer")
	return cmd
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:             cfg.Addr,
		SessionCookie:    cfg.SessionCookie,
		SessionTTLHours:  cfg.SessionTTLHours,
		SessionStorePath: cfg.SessionStorePath,
		BaseURL:          cfg.BaseURL,
		BasePath:         cfg.BasePath,
		HistoryEvents:    cfg.HistoryEvents,
	}
}

func toSSHConfig(cfg appconfig.SSHConfig) sshserver.Config {
	return sshserver.Config{
		Addr:        cfg.Addr,
		HostKeyPath: cfg.HostKeyPath,
		IdleTimeout: time.Duration(cfg.IdleTimeoutMinutes) * time.Minute,
	}
}

func toAuthConfig(cfg appconfig.AuthConfig) tlogplay.AuthConfig {
	seeds := make([]tlogplay.SeedUser, 0, len(cfg.SeedUsers))
	for _, seed := range cfg.SeedUsers {
		seeds = append(seeds, tlogplay.SeedUser{
			Username:     seed.Username,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
			Allowed:      seed.Allowed,
		})
	}
	return tlogplay.AuthConfig{
		UserFile:  cfg.UserFile,
		SeedUsers: seeds,
	}
}
