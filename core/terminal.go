package core

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Terminal is the virtual terminal packets are replayed into. The player
// calls it from its loop goroutine only.
type Terminal interface {
	Write(text string)
	Resize(cols, rows int)
	Reset()
}

// TitleNotifier is implemented by terminals that report title changes. The
// callback runs synchronously inside Write.
type TitleNotifier interface {
	OnTitle(fn func(title string))
}

// Fitter is implemented by terminals that can compute the display scale
// fitting the given geometry into their viewport.
type Fitter interface {
	Fit(cols, rows int) float64
}

// Scaler is implemented by terminals with an adjustable display scale.
type Scaler interface {
	SetScale(scale float64)
}

// InputSink shows the recorded keyboard input.
type InputSink interface {
	Input(text string)
	ClearInput()
}

// InputEcho accumulates recorded input as a single printable line.
type InputEcho struct {
	mu    sync.Mutex
	text  strings.Builder
	limit int
	tail  string
}

// NewInputEcho keeps at most limit bytes of the most recent input; zero
// means unbounded.
func NewInputEcho(limit int) *InputEcho {
	return &InputEcho{limit: limit}
}

// Input implements InputSink. Line breaks become spaces and escape
// sequences are dropped.
func (e *InputEcho) Input(text string) {
	text = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(text)
	text = ansi.Strip(text)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text.WriteString(text)
	if e.limit > 0 && e.text.Len() > e.limit {
		s := e.text.String()
		s = s[len(s)-e.limit:]
		for len(s) > 0 && !isRuneStart(s[0]) {
			s = s[1:]
		}
		e.text.Reset()
		e.text.WriteString(s)
	}
	e.tail = e.text.String()
}

// ClearInput implements InputSink.
func (e *InputEcho) ClearInput() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text.Reset()
	e.tail = ""
}

// String returns the accumulated input.
func (e *InputEcho) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tail
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// terminalFanout replays into several terminals at once.
type terminalFanout struct {
	terms []Terminal
}

// MultiTerminal returns a Terminal that forwards to every non-nil terminal.
// Title, fit and scale support come from the first terminal providing them.
func MultiTerminal(terms ...Terminal) Terminal {
	out := make([]Terminal, 0, len(terms))
	for _, t := range terms {
		if t != nil {
			out = append(out, t)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return &terminalFanout{terms: out}
}

func (f *terminalFanout) Write(text string) {
	for _, t := range f.terms {
		t.Write(text)
	}
}

func (f *terminalFanout) Resize(cols, rows int) {
	for _, t := range f.terms {
		t.Resize(cols, rows)
	}
}

func (f *terminalFanout) Reset() {
	for _, t := range f.terms {
		t.Reset()
	}
}

func (f *terminalFanout) OnTitle(fn func(string)) {
	for _, t := range f.terms {
		if n, ok := t.(TitleNotifier); ok {
			n.OnTitle(fn)
			return
		}
	}
}

func (f *terminalFanout) Fit(cols, rows int) float64 {
	for _, t := range f.terms {
		if fitter, ok := t.(Fitter); ok {
			return fitter.Fit(cols, rows)
		}
	}
	return 1
}

func (f *terminalFanout) SetScale(scale float64) {
	for _, t := range f.terms {
		if s, ok := t.(Scaler); ok {
			s.SetScale(scale)
		}
	}
}
