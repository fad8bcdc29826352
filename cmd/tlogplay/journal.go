package main

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/core"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/archive"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
)

// localUser is the viewer identity of commands run on the host. Journal
// read permission already bounds what such a user can see.
const localUser schema.UserID = "local"

func openJournal(cfg appconfig.Config, logger pslog.Logger) (journal.Journal, error) {
	switch cfg.Journal.Backend {
	case appconfig.BackendJournalctl:
		return journal.NewJournalctl(journal.JournalctlConfig{BinaryPath: cfg.Journal.JournalctlPath}), nil
	case appconfig.BackendFile:
		return journal.NewFile(journal.FileConfig{Path: cfg.Journal.File}), nil
	case appconfig.BackendArchive:
		store, err := archive.NewStore(cfg.Archive.Dir, cfg.Archive.KeyStorePath, logger)
		if err != nil {
			return nil, err
		}
		return archive.NewJournal(store), nil
	default:
		return nil, fmt.Errorf("unsupported journal.backend %q", cfg.Journal.Backend)
	}
}

// resolveTlogUID maps the configured tlog account to the _UID journal field.
func resolveTlogUID(name string, logger pslog.Logger) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if _, err := strconv.ParseUint(name, 10, 32); err == nil {
		return name
	}
	account, err := user.Lookup(name)
	if err != nil {
		logger.Warn("tlog user lookup failed; not filtering on _UID", "tlog_user", name, "err", err)
		return ""
	}
	return account.Uid
}

// openLocalService loads the recordings index once and returns a service
// that lets localUser view every recording. A non-empty recording limits
// the index to that recording.
func openLocalService(ctx context.Context, cfg appconfig.Config, recording schema.RecordingID) (core.Service, journal.Journal, error) {
	logger := pslog.Ctx(ctx)
	j, err := openJournal(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	index, err := core.NewRecordingIndex(core.IndexConfig{
		Journal:   j,
		TlogUID:   resolveTlogUID(cfg.Journal.TlogUser, logger),
		Recording: recording,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := index.Load(ctx); err != nil {
		return nil, nil, err
	}
	logger.Debug("recordings index loaded", "recordings", index.Len())
	service, err := core.NewService(cfg.ServiceConfig(), core.ServiceDeps{
		Journal: j,
		Index:   index,
		Access: core.AccessPolicyFunc(func(schema.UserID, string) bool {
			return true
		}),
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return service, j, nil
}
