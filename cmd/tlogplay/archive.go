package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/archive"
	"pkt.systems/tlogplay/internal/format"
	"pkt.systems/tlogplay/schema"
)

func newArchiveCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export, import and list encrypted recording archives",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.AddCommand(newArchiveExportCmd(&cfgPath))
	cmd.AddCommand(newArchiveImportCmd(&cfgPath))
	cmd.AddCommand(newArchiveListCmd(&cfgPath))
	return cmd
}

func openArchiveStore(cfg appconfig.Config, logger pslog.Logger) (*archive.Store, error) {
	return archive.NewStore(cfg.Archive.Dir, cfg.Archive.KeyStorePath, logger)
}

func newArchiveExportCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export <recording-id>...",
		Short: "Archive recordings from the journal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Journal.Backend == appconfig.BackendArchive {
				return errors.New("archive export needs a journalctl or file journal backend")
			}
			logger := pslog.Ctx(cmd.Context())
			store, err := openArchiveStore(cfg, logger)
			if err != nil {
				return err
			}
			for _, arg := range args {
				id := schema.RecordingID(arg)
				service, j, err := openLocalService(cmd.Context(), cfg, id)
				if err != nil {
					return err
				}
				resp, err := service.GetRecording(cmd.Context(), schema.GetRecordingRequest{UserID: localUser, RecordingID: id})
				_ = service.Close()
				if err != nil {
					return err
				}
				manifest, err := store.ExportRecording(cmd.Context(), j, resp.Recording)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "exported %s (%d entries) to %s\n", manifest.ID, manifest.Count, store.Path(manifest.ID))
			}
			return nil
		},
	}
}

func newArchiveImportCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>...",
		Short: "Verify archives and copy them into the archive directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			store, err := openArchiveStore(cfg, pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			for _, path := range args {
				manifest, _, err := store.Import(cmd.Context(), path)
				if err != nil {
					return err
				}
				dst := store.Path(manifest.ID)
				if err := copyArchive(path, dst); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%d entries)\n", manifest.ID, manifest.Count)
			}
			return nil
		},
	}
}

func newArchiveListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List archived recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			store, err := openArchiveStore(cfg, pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			manifests, err := store.List()
			if err != nil {
				return err
			}
			recs := make([]schema.Recording, 0, len(manifests))
			for _, m := range manifests {
				recs = append(recs, m.Recording())
			}
			return printLines(cmd.OutOrStdout(), format.NewPlainRenderer().FormatRecordings(recs))
		},
	}
}

func copyArchive(src, dst string) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if srcAbs == dstAbs {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".import-*"+archive.Ext)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
