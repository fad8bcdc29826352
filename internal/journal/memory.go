package journal

import (
	"context"
	"io"
	"sync"

	"pkt.systems/tlogplay/schema"
)

// Query records one query made against a Memory journal.
type Query struct {
	Matches []schema.Match
	Options schema.QueryOptions
}

// Memory is an in-process journal that replays canned batches. Batches added
// with Append reach follow streams as they arrive.
type Memory struct {
	mu       sync.Mutex
	batches  [][]schema.LogEntry
	notify   chan struct{}
	failErr  error
	queryErr error
	queries  []Query
}

// NewMemory returns a journal holding the given batches.
func NewMemory(batches ...[]schema.LogEntry) *Memory {
	m := &Memory{notify: make(chan struct{})}
	for _, b := range batches {
		m.batches = append(m.batches, append([]schema.LogEntry(nil), b...))
	}
	return m
}

// Append adds one batch and wakes follow streams.
func (m *Memory) Append(entries ...schema.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]schema.LogEntry(nil), entries...))
	m.wakeLocked()
}

// Fail makes every open and future stream fail with err.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	m.wakeLocked()
}

// FailQueries makes Query itself return err.
func (m *Memory) FailQueries(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

// Queries returns the queries made so far.
func (m *Memory) Queries() []Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Query(nil), m.queries...)
}

// Query implements Journal.
func (m *Memory) Query(ctx context.Context, matches []schema.Match, opts schema.QueryOptions) (Stream, error) {
	_ = ctx
	m.mu.Lock()
	m.queries = append(m.queries, Query{Matches: append([]schema.Match(nil), matches...), Options: opts})
	err := m.queryErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	filter, err := newEntryFilter(matches, opts)
	if err != nil {
		return nil, err
	}
	return &memoryStream{journal: m, filter: filter, opts: opts, closed: make(chan struct{})}, nil
}

func (m *Memory) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

type memoryStream struct {
	journal   *Memory
	filter    *entryFilter
	opts      schema.QueryOptions
	next      int
	closed    chan struct{}
	closeOnce sync.Once
	tailDone  bool
}

func (s *memoryStream) Next(ctx context.Context) ([]schema.LogEntry, error) {
	for {
		select {
		case <-s.closed:
			return nil, io.EOF
		default:
		}
		m := s.journal
		m.mu.Lock()
		if m.failErr != nil {
			err := m.failErr
			m.mu.Unlock()
			return nil, err
		}
		if !s.opts.Follow && s.opts.Count > 0 && !s.tailDone {
			batch := s.lastLocked(s.opts.Count)
			s.tailDone = true
			s.next = len(m.batches)
			m.mu.Unlock()
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, io.EOF
		}
		for s.next < len(m.batches) {
			batch := m.batches[s.next]
			s.next++
			var kept []schema.LogEntry
			for _, entry := range batch {
				if s.filter.keep(entry) {
					kept = append(kept, entry)
				}
			}
			if len(kept) > 0 {
				m.mu.Unlock()
				return kept, nil
			}
		}
		if !s.opts.Follow {
			m.mu.Unlock()
			return nil, io.EOF
		}
		notify := m.notify
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, io.EOF
		case <-notify:
		}
	}
}

func (s *memoryStream) lastLocked(n int) []schema.LogEntry {
	var kept []schema.LogEntry
	for _, batch := range s.journal.batches {
		for _, entry := range batch {
			if s.filter.keep(entry) {
				kept = append(kept, entry)
			}
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return kept
}

func (s *memoryStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
