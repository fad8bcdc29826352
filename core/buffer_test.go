package core

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
)

func tlogEntry(cursor string, id, pos int64, timing, in, out string) schema.LogEntry {
	body := `{"ver":"2.3","rec":"r1","user":"alice","id":` + strconv.FormatInt(id, 10) +
		`,"pos":` + strconv.FormatInt(pos, 10) +
		`,"timing":` + strconv.Quote(timing) +
		`,"in_txt":` + strconv.Quote(in) +
		`,"out_txt":` + strconv.Quote(out) + `}`
	return schema.LogEntry{
		Cursor:   schema.Cursor(cursor),
		Realtime: 1_700_000_000_000_000 + pos*1000,
		Fields:   map[string]string{schema.FieldTlogRec: "r1", schema.FieldTlogUser: "alice"},
		Message:  []byte(strconv.Quote(body)),
	}
}

var recMatches = []schema.Match{"TLOG_REC=r1"}

func waitAwait(t *testing.T, a *Await) error {
	t.Helper()
	select {
	case <-a.Done():
		return a.Err()
	case <-time.After(2 * time.Second):
		t.Fatalf("await for packet %d timed out", a.Index())
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPacketBufferLoadsThenFollows(t *testing.T) {
	j := journal.NewMemory([]schema.LogEntry{
		tlogEntry("c1", 1, 0, "=80x24>5", "", "hello"),
		tlogEntry("c2", 2, 100, ">6", "", " world"),
	})
	b := NewPacketBuffer(context.Background(), j, recMatches)
	defer b.Stop()

	if err := waitAwait(t, b.AwaitPacket(2)); err != nil {
		t.Fatalf("await: %v", err)
	}
	waitFor(t, "loaded", b.IsDone)
	if b.Len() != 3 || b.Pos() != 100 {
		t.Fatalf("unexpected buffer len=%d pos=%d", b.Len(), b.Pos())
	}

	next := b.AwaitPacket(NextPacket)
	if next.Index() != 3 {
		t.Fatalf("expected next index 3, got %d", next.Index())
	}
	// The follow query resumes on c2, which must not be decoded twice.
	j.Append(tlogEntry("c3", 3, 250, "<1", "x", ""))
	if err := waitAwait(t, next); err != nil {
		t.Fatalf("await follow: %v", err)
	}
	pkt, _ := b.Packet(3)
	if !pkt.IsInput() || pkt.Text != "x" || pkt.Pos != 250 {
		t.Fatalf("unexpected follow packet %#v", pkt)
	}

	queries := j.Queries()
	if len(queries) != 2 {
		t.Fatalf("expected two queries, got %d", len(queries))
	}
	if queries[0].Options.Follow || !queries[0].Options.Merge || queries[0].Options.Count != schema.CountAll {
		t.Fatalf("unexpected backfill options %#v", queries[0].Options)
	}
	if !queries[1].Options.Follow || queries[1].Options.Cursor != "c2" {
		t.Fatalf("unexpected follow options %#v", queries[1].Options)
	}
}

func TestPacketBufferAwaitCoalesces(t *testing.T) {
	b := NewPacketBuffer(context.Background(), journal.NewMemory(), recMatches)
	defer b.Stop()
	first := b.AwaitPacket(5)
	second := b.AwaitPacket(5)
	if first != second {
		t.Fatalf("expected awaits for one index to be shared")
	}
	low := b.AwaitPacket(1)
	for i := 0; i < 5; i++ {
		b.AddPacket(schema.IOPacket(int64(i), true, "x"))
	}
	select {
	case <-first.Done():
		t.Fatalf("await 5 resolved before packet 5")
	default:
	}
	if err := waitAwait(t, low); err != nil {
		t.Fatalf("await 1: %v", err)
	}
	b.AddPacket(schema.IOPacket(5, true, "y"))
	if err := waitAwait(t, first); err != nil {
		t.Fatalf("await 5: %v", err)
	}
	if err := waitAwait(t, b.AwaitPacket(0)); err != nil {
		t.Fatalf("existing packet await: %v", err)
	}
}

func TestPacketBufferStopIsIdempotent(t *testing.T) {
	b := NewPacketBuffer(context.Background(), journal.NewMemory(), recMatches)
	pending := b.AwaitPacket(NextPacket)
	b.Stop()
	b.Stop()
	if err := waitAwait(t, pending); !errors.Is(err, schema.ErrBufferStopped) {
		t.Fatalf("expected stopped, got %v", err)
	}
	if err := waitAwait(t, b.AwaitPacket(NextPacket)); !errors.Is(err, schema.ErrBufferStopped) {
		t.Fatalf("expected stopped for new await, got %v", err)
	}
	b.AddPacket(schema.IOPacket(0, true, "late"))
	if b.Len() != 0 {
		t.Fatalf("expected packets after stop to be dropped")
	}
	select {
	case <-b.Ingested():
	case <-time.After(2 * time.Second):
		t.Fatalf("ingest did not exit after stop")
	}
	if b.Err() != nil {
		t.Fatalf("stop must not be reported as an error: %v", b.Err())
	}
}

func TestPacketBufferStickyOrderError(t *testing.T) {
	errs := NewErrorList(nil)
	j := journal.NewMemory([]schema.LogEntry{
		tlogEntry("c1", 2, 0, ">1", "", "a"),
		tlogEntry("c2", 1, 10, ">1", "", "b"),
	})
	b := NewPacketBuffer(context.Background(), j, recMatches, WithErrorReporter(errs))
	defer b.Stop()
	pending := b.AwaitPacket(5)
	if err := waitAwait(t, pending); !errors.Is(err, schema.ErrOutOfOrderID) {
		t.Fatalf("expected out of order id, got %v", err)
	}
	if err := waitAwait(t, b.AwaitPacket(0)); !errors.Is(err, schema.ErrOutOfOrderID) {
		t.Fatalf("expected sticky error for later await, got %v", err)
	}
	if b.State() != "failed" {
		t.Fatalf("expected failed state, got %s", b.State())
	}
	waitFor(t, "reported error", func() bool { return len(errs.Messages()) == 1 })
	if !strings.Contains(errs.Messages()[0], "out of order id") {
		t.Fatalf("unexpected reported error %q", errs.Messages()[0])
	}
	b.Stop()
	if !errors.Is(b.Err(), schema.ErrOutOfOrderID) {
		t.Fatalf("stop after failure must keep the error, got %v", b.Err())
	}
}

func TestPacketBufferPosOrderError(t *testing.T) {
	j := journal.NewMemory([]schema.LogEntry{
		tlogEntry("c1", 1, 500, ">1", "", "a"),
		tlogEntry("c2", 2, 400, ">1", "", "b"),
	})
	b := NewPacketBuffer(context.Background(), j, recMatches)
	defer b.Stop()
	if err := waitAwait(t, b.AwaitPacket(3)); !errors.Is(err, schema.ErrOutOfOrderPos) {
		t.Fatalf("expected out of order pos, got %v", err)
	}
}

func TestPacketBufferMissingFields(t *testing.T) {
	noCursor := tlogEntry("", 1, 0, ">1", "", "a")
	noMessage := tlogEntry("c1", 1, 0, ">1", "", "a")
	noMessage.Message = nil
	cases := []struct {
		entry schema.LogEntry
		want  error
	}{
		{noCursor, schema.ErrMissingCursor},
		{noMessage, schema.ErrMissingMessage},
	}
	for _, tc := range cases {
		b := NewPacketBuffer(context.Background(), journal.NewMemory([]schema.LogEntry{tc.entry}), nil)
		if err := waitAwait(t, b.AwaitPacket(NextPacket)); !errors.Is(err, tc.want) {
			t.Fatalf("expected %v, got %v", tc.want, err)
		}
		b.Stop()
	}
}

func TestPacketBufferStreamFailure(t *testing.T) {
	j := journal.NewMemory([]schema.LogEntry{tlogEntry("c1", 1, 0, ">1", "", "a")})
	b := NewPacketBuffer(context.Background(), j, recMatches)
	defer b.Stop()
	waitFor(t, "loaded", b.IsDone)
	pending := b.AwaitPacket(NextPacket)
	boom := errors.New("journal went away")
	j.Fail(boom)
	if err := waitAwait(t, pending); !errors.Is(err, boom) {
		t.Fatalf("expected stream failure, got %v", err)
	}
}

func TestPacketBufferQueryFailure(t *testing.T) {
	j := journal.NewMemory()
	boom := errors.New("no journal")
	j.FailQueries(boom)
	b := NewPacketBuffer(context.Background(), j, recMatches)
	defer b.Stop()
	if err := waitAwait(t, b.AwaitPacket(NextPacket)); !errors.Is(err, boom) {
		t.Fatalf("expected query failure, got %v", err)
	}
	if b.IsDone() {
		t.Fatalf("failed backfill must not mark the buffer done")
	}
}
