package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
)

// DefaultTlogUser is the system account tlog-rec-session logs as.
const DefaultTlogUser = "tlog"

// LookupTlogUID resolves the uid of the tlog account from the passwd database.
func LookupTlogUID(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultTlogUser
	}
	u, err := user.Lookup(name)
	if err != nil {
		return "", fmt.Errorf("resolve tlog user %q: %w", name, err)
	}
	return u.Uid, nil
}

// IndexConfig selects the recordings an index tracks.
type IndexConfig struct {
	Journal journal.Journal
	// TlogUID restricts entries to the tlog account; empty disables the match.
	TlogUID   string
	User      string
	Recording schema.RecordingID
	Since     string
	Until     string
	Sink      EventSink
}

// RecordingIndex assembles recordings from the journal entries tlog logs.
type RecordingIndex struct {
	cfg IndexConfig

	mu     sync.Mutex
	recs   map[schema.RecordingID]*schema.Recording
	order  []*schema.Recording
	loaded bool
	err    error
	ready  chan struct{}
}

// NewRecordingIndex returns an empty index.
func NewRecordingIndex(cfg IndexConfig) (*RecordingIndex, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("%w: recordings index requires a journal", schema.ErrInvalidRequest)
	}
	if cfg.Recording != "" {
		if err := schema.ValidateRecordingID(cfg.Recording); err != nil {
			return nil, err
		}
	}
	return &RecordingIndex{
		cfg:   cfg,
		recs:  make(map[schema.RecordingID]*schema.Recording),
		ready: make(chan struct{}),
	}, nil
}

// Matches returns the journal matches of the index query.
func (x *RecordingIndex) Matches() []schema.Match {
	var matches []schema.Match
	if x.cfg.TlogUID != "" {
		matches = append(matches, schema.MatchField(schema.FieldUID, x.cfg.TlogUID))
	}
	if x.cfg.User != "" {
		matches = append(matches, schema.MatchField(schema.FieldTlogUser, x.cfg.User))
	}
	if x.cfg.Recording != "" {
		matches = append(matches, schema.MatchField(schema.FieldTlogRec, string(x.cfg.Recording)))
	}
	return matches
}

// RecordingMatches returns the matches selecting one recording's entries.
func (x *RecordingIndex) RecordingMatches(id schema.RecordingID) []schema.Match {
	var matches []schema.Match
	if x.cfg.TlogUID != "" {
		matches = append(matches, schema.MatchField(schema.FieldUID, x.cfg.TlogUID))
	}
	return append(matches, schema.MatchField(schema.FieldTlogRec, string(id)))
}

// Load reads every entry logged so far and marks the index ready.
func (x *RecordingIndex) Load(ctx context.Context) error {
	_, err := x.load(ctx, x.options(false, ""), "")
	x.finish(err)
	return err
}

// Run loads the index and then follows new entries until ctx ends.
func (x *RecordingIndex) Run(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	cursor, err := x.load(ctx, x.options(false, ""), "")
	x.finish(err)
	if err != nil {
		log.Warn("recordings index load failed", "err", err)
		return err
	}
	log.Info("recordings index loaded", "recordings", x.Len(), "cursor", cursor)
	_, err = x.load(ctx, x.options(true, cursor), cursor)
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		log.Warn("recordings index follow failed", "err", err)
		x.setErr(err)
		return err
	}
	return nil
}

// Ready is closed once the initial load finished, successfully or not.
func (x *RecordingIndex) Ready() <-chan struct{} {
	return x.ready
}

// Err returns the load or follow failure, if any.
func (x *RecordingIndex) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

// Len returns the number of recordings.
func (x *RecordingIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.order)
}

// Get returns one recording.
func (x *RecordingIndex) Get(id schema.RecordingID) (schema.Recording, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.recs[id]
	if !ok {
		return schema.Recording{}, false
	}
	return cloneRecording(rec), true
}

// List returns the recordings ordered by sortBy, ties kept in start order.
func (x *RecordingIndex) List(sortBy schema.RecordingSort, desc bool) []schema.Recording {
	x.mu.Lock()
	out := make([]schema.Recording, 0, len(x.order))
	for _, rec := range x.order {
		out = append(out, cloneRecording(rec))
	}
	x.mu.Unlock()
	SortRecordings(out, sortBy, desc)
	return out
}

// SortRecordings sorts recs in place.
func SortRecordings(recs []schema.Recording, sortBy schema.RecordingSort, desc bool) {
	less := func(a, b schema.Recording) int {
		switch sortBy {
		case schema.SortByEnd:
			return compareInt(a.End, b.End)
		case schema.SortByDuration:
			return compareInt(a.Duration, b.Duration)
		case schema.SortByUser:
			return strings.Compare(a.User, b.User)
		default:
			return compareInt(a.Start, b.Start)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		c := less(recs[i], recs[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Add folds one journal entry into the index. It reports the affected
// recording and whether the index changed.
func (x *RecordingIndex) Add(entry schema.LogEntry) (schema.Recording, bool) {
	id, ok := entry.Field(schema.FieldTlogRec)
	if !ok || id == "" {
		return schema.Recording{}, false
	}
	ts := entry.Realtime / 1000

	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.recs[schema.RecordingID(id)]
	if !ok {
		rec = &schema.Recording{
			ID:        schema.RecordingID(id),
			MatchList: x.RecordingMatches(schema.RecordingID(id)),
			User:      entry.Fields[schema.FieldTlogUser],
			BootID:    entry.Fields[schema.FieldBootID],
			SessionID: atoiField(entry, schema.FieldTlogSess),
			PID:       atoiField(entry, schema.FieldPID),
			Hostname:  entry.Fields[schema.FieldHostname],
			Start:     ts,
			End:       ts,
		}
		x.recs[rec.ID] = rec
		x.insertLocked(rec)
		return cloneRecording(rec), true
	}
	changed := false
	if ts > rec.End {
		rec.End = ts
		rec.Duration = rec.End - rec.Start
		changed = true
	}
	if ts < rec.Start {
		rec.Start = ts
		rec.Duration = rec.End - rec.Start
		x.removeLocked(rec)
		x.insertLocked(rec)
		changed = true
	}
	return cloneRecording(rec), changed
}

func (x *RecordingIndex) insertLocked(rec *schema.Recording) {
	i := sort.Search(len(x.order), func(i int) bool { return x.order[i].Start > rec.Start })
	x.order = append(x.order, nil)
	copy(x.order[i+1:], x.order[i:])
	x.order[i] = rec
}

func (x *RecordingIndex) removeLocked(rec *schema.Recording) {
	for i, r := range x.order {
		if r == rec {
			x.order = append(x.order[:i], x.order[i+1:]...)
			return
		}
	}
}

func (x *RecordingIndex) options(follow bool, cursor schema.Cursor) schema.QueryOptions {
	return schema.QueryOptions{
		Count:  schema.CountAll,
		Follow: follow,
		Cursor: cursor,
		Since:  x.cfg.Since,
		Until:  x.cfg.Until,
	}
}

func (x *RecordingIndex) load(ctx context.Context, opts schema.QueryOptions, skip schema.Cursor) (schema.Cursor, error) {
	stream, err := x.cfg.Journal.Query(ctx, x.Matches(), opts)
	if err != nil {
		return "", fmt.Errorf("journal query: %w", err)
	}
	defer stream.Close()
	last := skip
	first := skip != ""
	for {
		entries, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if err != nil {
			return last, err
		}
		for _, entry := range entries {
			if first {
				first = false
				if entry.Cursor == skip {
					continue
				}
			}
			if entry.Cursor != "" {
				last = entry.Cursor
			}
			rec, changed := x.Add(entry)
			if changed && x.cfg.Sink != nil && x.isLoaded() {
				x.cfg.Sink.OnRecording(rec)
			}
		}
	}
}

func (x *RecordingIndex) finish(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.loaded {
		return
	}
	x.loaded = true
	if err != nil {
		x.err = err
	}
	close(x.ready)
}

func (x *RecordingIndex) setErr(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.err = err
}

func (x *RecordingIndex) isLoaded() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.loaded
}

func atoiField(entry schema.LogEntry, name string) int {
	n, err := strconv.Atoi(entry.Fields[name])
	if err != nil {
		return 0
	}
	return n
}

func cloneRecording(rec *schema.Recording) schema.Recording {
	out := *rec
	out.MatchList = append([]schema.Match(nil), rec.MatchList...)
	return out
}
