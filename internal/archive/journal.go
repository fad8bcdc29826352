package archive

import (
	"context"
	"errors"
	"os"
	"strings"

	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
)

// Journal serves archived recordings as a read-only journal. Follow queries
// deliver the archived entries and then wait until closed.
type Journal struct {
	store *Store
}

// NewJournal returns a journal over the archives in store.
func NewJournal(store *Store) *Journal {
	return &Journal{store: store}
}

// Query implements journal.Journal. A TLOG_REC match limits the query to
// that recording's archive.
func (j *Journal) Query(ctx context.Context, matches []schema.Match, opts schema.QueryOptions) (journal.Stream, error) {
	ids, err := j.archives(matches)
	if err != nil {
		return nil, err
	}
	var entries []schema.LogEntry
	for _, id := range ids {
		_, loaded, err := j.store.Load(ctx, id)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, loaded...)
	}
	return journal.NewMemory(entries).Query(ctx, matches, opts)
}

func (j *Journal) archives(matches []schema.Match) ([]schema.RecordingID, error) {
	var ids []schema.RecordingID
	for _, m := range matches {
		name, value, ok := strings.Cut(string(m), "=")
		if ok && name == schema.FieldTlogRec {
			ids = append(ids, schema.RecordingID(value))
		}
	}
	if len(ids) > 0 {
		return ids, nil
	}
	manifests, err := j.store.List()
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
