package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/internal/tlog"
	"pkt.systems/tlogplay/schema"
)

type bufferState int

const (
	bufferLoading bufferState = iota
	bufferFollowing
	bufferStopped
	bufferFailed
)

func (s bufferState) String() string {
	switch s {
	case bufferLoading:
		return "loading"
	case bufferFollowing:
		return "following"
	case bufferStopped:
		return "stopped"
	case bufferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NextPacket asks AwaitPacket for the first packet not yet received.
const NextPacket = -1

// Await is a single-resolution wait for a packet index. Done is closed once
// the packet exists or the wait was rejected; Err then tells which.
type Await struct {
	index int
	done  chan struct{}
	err   error
}

func newAwait(index int) *Await {
	return &Await{index: index, done: make(chan struct{})}
}

func settledAwait(index int, err error) *Await {
	a := newAwait(index)
	a.settle(err)
	return a
}

func (a *Await) settle(err error) {
	a.err = err
	close(a.done)
}

// Index returns the awaited packet index.
func (a *Await) Index() int { return a.index }

// Done is closed when the await settles.
func (a *Await) Done() <-chan struct{} { return a.done }

// Err returns nil when the packet arrived, schema.ErrBufferStopped when the
// buffer was stopped, or the buffer failure. Only valid after Done.
func (a *Await) Err() error { return a.err }

// Wait blocks until the await settles or ctx ends.
func (a *Await) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return a.err
	}
}

// BufferOption configures a PacketBuffer.
type BufferOption func(*PacketBuffer)

// WithErrorReporter routes buffer failures to r.
func WithErrorReporter(r ErrorReporter) BufferOption {
	return func(b *PacketBuffer) { b.reporter = r }
}

// PacketBuffer is the append-only packet store of one recording. It loads
// the recording in two phases: every entry logged so far, then a follow of
// new entries resuming at the last loaded cursor.
type PacketBuffer struct {
	mu       sync.Mutex
	state    bufferState
	loaded   bool
	packets  []schema.Packet
	waiters  []*Await
	err      error
	cancel   context.CancelFunc
	ingested chan struct{}

	journal  journal.Journal
	matches  []schema.Match
	decoder  *tlog.Decoder
	reporter ErrorReporter
	log      pslog.Logger
}

// NewPacketBuffer starts loading the entries selected by matches.
func NewPacketBuffer(ctx context.Context, j journal.Journal, matches []schema.Match, opts ...BufferOption) *PacketBuffer {
	ctx, cancel := context.WithCancel(ctx)
	b := &PacketBuffer{
		cancel:   cancel,
		ingested: make(chan struct{}),
		journal:  j,
		matches:  append([]schema.Match(nil), matches...),
		decoder:  tlog.NewDecoder(),
		log:      pslog.Ctx(ctx),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.ingest(ctx)
	return b
}

// AwaitPacket returns an await for the packet at index, or for the next
// packet when index is NextPacket. Concurrent awaits for one index share a
// single Await.
func (b *PacketBuffer) AwaitPacket(index int) *Await {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == bufferFailed {
		return settledAwait(index, b.err)
	}
	if b.state == bufferStopped {
		return settledAwait(index, schema.ErrBufferStopped)
	}
	if index < 0 {
		index = len(b.packets)
	} else if index < len(b.packets) {
		return settledAwait(index, nil)
	}
	i := sort.Search(len(b.waiters), func(i int) bool { return b.waiters[i].index >= index })
	if i < len(b.waiters) && b.waiters[i].index == index {
		return b.waiters[i]
	}
	a := newAwait(index)
	b.waiters = append(b.waiters, nil)
	copy(b.waiters[i+1:], b.waiters[i:])
	b.waiters[i] = a
	return a
}

// AwaitNext waits for the first packet not yet received.
func (b *PacketBuffer) AwaitNext() *Await {
	return b.AwaitPacket(NextPacket)
}

// AddPacket appends a packet and resolves every await it satisfies, lowest
// index first. Packets added after Stop or a failure are dropped.
func (b *PacketBuffer) AddPacket(pkt schema.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == bufferStopped || b.state == bufferFailed {
		return
	}
	b.packets = append(b.packets, pkt)
	for len(b.waiters) > 0 && b.waiters[0].index < len(b.packets) {
		b.waiters[0].settle(nil)
		b.waiters = b.waiters[1:]
	}
}

// Stop detaches the buffer from the journal and rejects pending awaits with
// schema.ErrBufferStopped. It is safe to call more than once.
func (b *PacketBuffer) Stop() {
	b.mu.Lock()
	if b.state == bufferStopped || b.state == bufferFailed {
		b.mu.Unlock()
		return
	}
	b.state = bufferStopped
	b.rejectLocked(schema.ErrBufferStopped)
	b.mu.Unlock()
	b.cancel()
	b.log.Debug("buffer stopped")
}

// IsDone reports whether everything logged before the buffer was created has
// been loaded and the buffer now follows new entries.
func (b *PacketBuffer) IsDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// Err returns the failure that stopped the buffer, if any.
func (b *PacketBuffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Len returns the number of packets received.
func (b *PacketBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

// Packet returns the packet at index i.
func (b *PacketBuffer) Packet(i int) (schema.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.packets) {
		return schema.Packet{}, false
	}
	return b.packets[i], true
}

// Pos returns the position of the newest packet, the known recording length.
func (b *PacketBuffer) Pos() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.packets) == 0 {
		return 0
	}
	return b.packets[len(b.packets)-1].Pos
}

// State returns the buffer state name.
func (b *PacketBuffer) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// Ingested is closed once the loading goroutine has exited.
func (b *PacketBuffer) Ingested() <-chan struct{} {
	return b.ingested
}

func (b *PacketBuffer) rejectLocked(err error) {
	for _, w := range b.waiters {
		w.settle(err)
	}
	b.waiters = nil
}

// fail makes err sticky. The first failure wins; a stopped buffer ignores it.
func (b *PacketBuffer) fail(err error) {
	b.mu.Lock()
	if b.state == bufferStopped || b.state == bufferFailed {
		b.mu.Unlock()
		return
	}
	b.state = bufferFailed
	b.err = err
	b.rejectLocked(err)
	b.mu.Unlock()
	b.cancel()
	b.log.Warn("buffer ingest failed", "err", err)
	if b.reporter != nil {
		b.reporter.ReportError(err)
	}
}

func (b *PacketBuffer) stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == bufferStopped || b.state == bufferFailed
}

func (b *PacketBuffer) ingest(ctx context.Context) {
	defer close(b.ingested)
	cursor, err := b.load(ctx, schema.QueryOptions{Count: schema.CountAll, Merge: true}, "")
	if err != nil {
		b.ingestFailed(err)
		return
	}
	b.mu.Lock()
	if b.state == bufferLoading {
		b.state = bufferFollowing
	}
	b.loaded = true
	count := len(b.packets)
	b.mu.Unlock()
	b.log.Debug("buffer loaded", "packets", count, "cursor", cursor)

	_, err = b.load(ctx, schema.QueryOptions{Count: schema.CountAll, Follow: true, Merge: true, Cursor: cursor}, cursor)
	if err != nil {
		b.ingestFailed(err)
	}
}

func (b *PacketBuffer) ingestFailed(err error) {
	if b.stopped() && (errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)) {
		return
	}
	b.fail(err)
}

// load runs one journal query to its end. skip is the cursor a resumed
// query starts on; that first, already decoded entry is dropped once.
func (b *PacketBuffer) load(ctx context.Context, opts schema.QueryOptions, skip schema.Cursor) (schema.Cursor, error) {
	stream, err := b.journal.Query(ctx, b.matches, opts)
	if err != nil {
		return "", fmt.Errorf("journal query: %w", err)
	}
	defer stream.Close()
	var last schema.Cursor
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
			if entry.Cursor == "" {
				return last, &schema.DecodeError{Kind: schema.ErrMissingCursor}
			}
			last = entry.Cursor
			msg, err := tlog.MessageFromEntry(entry)
			if err != nil {
				return last, fmt.Errorf("entry %s: %w", entry.Cursor, err)
			}
			if err := b.decoder.Decode(msg, b.AddPacket); err != nil {
				return last, fmt.Errorf("entry %s: %w", entry.Cursor, err)
			}
			if b.stopped() {
				return last, context.Canceled
			}
		}
	}
}
