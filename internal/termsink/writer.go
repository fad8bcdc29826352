package termsink

import (
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Writer is a playback terminal backed by a real terminal stream. Output is
// passed through unchanged; geometry changes and resets become xterm
// control sequences.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	titles  TitleScanner
	onTitle func(string)
	resize  bool
	err     error
}

// Option configures a Writer.
type Option func(*Writer)

// WithResize makes Resize emit XTWINOPS window resize requests. Most
// viewers leave their window alone, so it is off by default.
func WithResize(enabled bool) Option {
	return func(w *Writer) { w.resize = enabled }
}

// New returns a Writer over w.
func New(w io.Writer, opts ...Option) *Writer {
	tw := &Writer{w: w}
	for _, opt := range opts {
		opt(tw)
	}
	return tw
}

// Write implements the playback terminal.
func (t *Writer) Write(text string) {
	t.mu.Lock()
	t.writeLocked(text)
	titles := t.titles.Scan(text)
	fn := t.onTitle
	t.mu.Unlock()
	if fn != nil {
		for _, title := range titles {
			fn(title)
		}
	}
}

// Resize implements the playback terminal.
func (t *Writer) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resize {
		t.writeLocked(ansi.WindowOp(8, rows, cols))
	}
}

// Reset implements the playback terminal.
func (t *Writer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.titles.Reset()
	t.writeLocked(ansi.ResetInitialState)
}

// OnTitle registers the title callback.
func (t *Writer) OnTitle(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTitle = fn
}

// Err returns the first write error, if any. Later writes are dropped once
// an error occurred.
func (t *Writer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Writer) writeLocked(text string) {
	if t.err != nil || text == "" {
		return
	}
	if _, err := io.WriteString(t.w, text); err != nil {
		t.err = err
	}
}
