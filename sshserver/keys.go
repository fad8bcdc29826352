package sshserver

import (
	"bufio"
	"io"
	"unicode"
	"unicode/utf8"
)

type keyKind int

const (
	keyRune keyKind = iota
	keyEnter
	keyBackspace
	keyLeft
	keyRight
	keyUp
	keyDown
	keyHome
	keyEnd
	keyPageUp
	keyPageDown
	keyEscape
	keyCtrlC
	keyCtrlD
)

type key struct {
	kind keyKind
	r    rune
}

// readKeys decodes terminal input into keys until r fails, then closes out.
func readKeys(r io.Reader, out chan<- key) {
	defer close(out)
	br := bufio.NewReader(r)
	lastWasCR := false
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		if lastWasCR {
			lastWasCR = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case 0x1b:
			readEscape(br, out)
		case '\r':
			out <- key{kind: keyEnter}
			lastWasCR = true
		case '\n':
			out <- key{kind: keyEnter}
		case 0x7f, 0x08:
			out <- key{kind: keyBackspace}
		case 0x03:
			out <- key{kind: keyCtrlC}
		case 0x04:
			out <- key{kind: keyCtrlD}
		default:
			if b < utf8.RuneSelf {
				if b >= 0x20 {
					out <- key{kind: keyRune, r: rune(b)}
				}
				continue
			}
			_ = br.UnreadByte()
			rn, _, err := br.ReadRune()
			if err != nil {
				return
			}
			out <- key{kind: keyRune, r: rn}
		}
	}
}

func readEscape(br *bufio.Reader, out chan<- key) {
	if br.Buffered() == 0 {
		out <- key{kind: keyEscape}
		return
	}
	b, err := br.ReadByte()
	if err != nil {
		return
	}
	switch b {
	case '[':
		readCSI(br, out)
	case 'O':
		readSS3(br, out)
	default:
		out <- key{kind: keyEscape}
	}
}

func readCSI(br *bufio.Reader, out chan<- key) {
	seq := []byte{}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		seq = append(seq, b)
		if b == '~' || unicode.IsLetter(rune(b)) {
			break
		}
		if len(seq) > 8 {
			return
		}
	}
	switch string(seq) {
	case "A":
		out <- key{kind: keyUp}
	case "B":
		out <- key{kind: keyDown}
	case "C":
		out <- key{kind: keyRight}
	case "D":
		out <- key{kind: keyLeft}
	case "H", "1~":
		out <- key{kind: keyHome}
	case "F", "4~":
		out <- key{kind: keyEnd}
	case "5~":
		out <- key{kind: keyPageUp}
	case "6~":
		out <- key{kind: keyPageDown}
	}
}

func readSS3(br *bufio.Reader, out chan<- key) {
	b, err := br.ReadByte()
	if err != nil {
		return
	}
	switch b {
	case 'A':
		out <- key{kind: keyUp}
	case 'B':
		out <- key{kind: keyDown}
	case 'H':
		out <- key{kind: keyHome}
	case 'F':
		out <- key{kind: keyEnd}
	}
}

// playerKey maps a key to the hotkey name understood by the player, or ""
// when the key has no player binding.
func playerKey(k key) string {
	switch k.kind {
	case keyBackspace:
		return "Backspace"
	case keyRune:
		if k.r == ' ' {
			return "p"
		}
		return string(k.r)
	}
	return ""
}

// lineInput is the single-line prompt of the recordings menu.
type lineInput struct {
	buf []rune
}

func (l *lineInput) String() string { return string(l.buf) }

func (l *lineInput) Insert(r rune) { l.buf = append(l.buf, r) }

func (l *lineInput) Backspace() {
	if len(l.buf) > 0 {
		l.buf = l.buf[:len(l.buf)-1]
	}
}

func (l *lineInput) Clear() { l.buf = l.buf[:0] }
