package journal

import (
	"context"
	"errors"
	"io"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/schema"
)

// readerStream turns a line reader into batches. A background goroutine
// decodes entries; Next hands out whatever is buffered.
type readerStream struct {
	entries chan schema.LogEntry
	cancel  context.CancelFunc
	errMu   sync.Mutex
	err     error
	closed  bool
	done    chan struct{}
	log     pslog.Logger
}

// newReaderStream starts reading r. keep filters entries and may stop the
// read early by returning stop. finish runs once reading ended and its error
// becomes the stream error.
func newReaderStream(ctx context.Context, r io.Reader, keep func(schema.LogEntry) (ok bool, stop bool), finish func(readErr error) error) *readerStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &readerStream{
		entries: make(chan schema.LogEntry, maxBatch),
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     pslog.Ctx(ctx),
	}
	go s.read(ctx, r, keep, finish)
	return s
}

func (s *readerStream) read(ctx context.Context, r io.Reader, keep func(schema.LogEntry) (bool, bool), finish func(error) error) {
	defer close(s.done)
	defer close(s.entries)
	reader := newEntryReader(r)
	var readErr error
	for {
		entry, err := reader.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		if keep != nil {
			ok, stop := keep(entry)
			if stop {
				break
			}
			if !ok {
				continue
			}
		}
		select {
		case s.entries <- entry:
		case <-ctx.Done():
			readErr = ctx.Err()
		}
		if readErr != nil {
			break
		}
	}
	var decodeErr *DecodeError
	if errors.As(readErr, &decodeErr) && s.log != nil {
		preview := previewText(string(decodeErr.Line()), 200)
		s.log.Warn("journal entry decode failed", "line", decodeErr.LineNo, "preview", preview, "err", readErr)
	}
	if finish != nil {
		readErr = finish(readErr)
	}
	if errors.Is(readErr, context.Canceled) && ctx.Err() != nil {
		readErr = nil
	}
	s.setErr(readErr)
}

func (s *readerStream) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil && !s.closed {
		s.err = err
	}
}

func (s *readerStream) Next(ctx context.Context) ([]schema.LogEntry, error) {
	var first schema.LogEntry
	var ok bool
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case first, ok = <-s.entries:
	}
	if !ok {
		s.errMu.Lock()
		err := s.err
		s.errMu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	batch := []schema.LogEntry{first}
	for len(batch) < maxBatch {
		select {
		case entry, more := <-s.entries:
			if !more {
				return batch, nil
			}
			batch = append(batch, entry)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (s *readerStream) Close() error {
	s.errMu.Lock()
	s.closed = true
	s.errMu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
