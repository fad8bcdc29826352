package termsink

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// maxPending bounds the unterminated sequence kept between writes.
const maxPending = 4096

// TitleScanner extracts OSC 0 and OSC 2 window titles from terminal output.
// Sequences split across writes are joined.
type TitleScanner struct {
	pending string
}

// Scan consumes text and returns the titles it completed, in order.
func (s *TitleScanner) Scan(text string) []string {
	data := text
	if s.pending != "" {
		data = s.pending + text
		s.pending = ""
	}
	var titles []string
	for len(data) > 0 {
		seq, _, n, state := ansi.DecodeSequence(data, ansi.NormalState, nil)
		if state != ansi.NormalState {
			if len(data) <= maxPending {
				s.pending = data
			}
			break
		}
		if n <= 0 {
			n = 1
		}
		if ansi.HasOscPrefix(seq) {
			if title, ok := oscTitle(seq); ok {
				titles = append(titles, title)
			}
		}
		data = data[n:]
	}
	return titles
}

// Reset drops any partial sequence.
func (s *TitleScanner) Reset() {
	s.pending = ""
}

func oscTitle(seq string) (string, bool) {
	if seq[0] == ansi.OSC {
		seq = seq[1:]
	} else {
		seq = seq[2:]
	}
	switch {
	case strings.HasSuffix(seq, "\x1b\\"):
		seq = seq[:len(seq)-2]
	case strings.HasSuffix(seq, "\a"):
		seq = seq[:len(seq)-1]
	case len(seq) > 0 && seq[len(seq)-1] == ansi.ST:
		seq = seq[:len(seq)-1]
	default:
		return "", false
	}
	cmd, title, ok := strings.Cut(seq, ";")
	if !ok || (cmd != "0" && cmd != "2") {
		return "", false
	}
	return title, true
}
