package tlog

import (
	"fmt"
	"strings"

	"pkt.systems/tlogplay/schema"
)

// Decoder turns a stream of messages from one recording into packets.
// It carries the running id, position and window geometry across messages.
type Decoder struct {
	id     int64
	msgPos int64
	pos    int64
	width  int
	height int
	sized  bool
}

// NewDecoder returns a decoder positioned before the first message.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Pos returns the position reached by the last decoded event.
func (d *Decoder) Pos() int64 {
	return d.pos
}

// ID returns the id of the last accepted message.
func (d *Decoder) ID() int64 {
	return d.id
}

// Decode validates msg and hands its packets to sink in order. Packets
// decoded before a timing error has been detected are still delivered; any
// error is fatal for the recording.
func (d *Decoder) Decode(msg schema.Message, sink func(schema.Packet)) error {
	major, ok := MajorVersion(msg.Ver)
	if !ok || major > MaxMajorVersion {
		return &schema.DecodeError{Kind: schema.ErrInvalidVersion, Field: "ver", Detail: msg.Ver}
	}
	if msg.ID <= d.id {
		return &schema.DecodeError{Kind: schema.ErrOutOfOrderID, Field: "id", Detail: fmt.Sprintf("%d after %d", msg.ID, d.id)}
	}
	if msg.Pos < d.msgPos {
		return &schema.DecodeError{Kind: schema.ErrOutOfOrderPos, Field: "pos", Detail: fmt.Sprintf("%d after %d", msg.Pos, d.msgPos)}
	}
	d.id = msg.ID
	d.msgPos = msg.Pos
	d.pos = msg.Pos
	return d.decodeTiming(msg.Timing, msg.InTxt, msg.OutTxt, sink)
}

type ioRun struct {
	output bool
	text   strings.Builder
}

func (d *Decoder) decodeTiming(timing, inTxt, outTxt string, sink func(schema.Packet)) error {
	in := newTextCursor(inTxt)
	out := newTextCursor(outTxt)
	var run ioRun
	pending := false
	flush := func() {
		if !pending {
			return
		}
		sink(schema.IOPacket(d.pos, run.output, run.text.String()))
		run.text.Reset()
		pending = false
	}

	sc := scanner{src: timing}
	for {
		tok, err := sc.next()
		if err != nil {
			return err
		}
		if tok.op == opEnd {
			break
		}
		switch tok.op {
		case opDelay:
			if tok.n == 0 {
				continue
			}
			flush()
			d.pos += tok.n
		case opTextIn, opBinaryIn, opTextOut, opBinaryOut:
			if tok.n == 0 {
				continue
			}
			output := tok.op == opTextOut || tok.op == opBinaryOut
			if pending && run.output != output {
				flush()
			}
			run.output = output
			src := in
			if output {
				src = out
			}
			chunk, ok := src.take(tok.n)
			if !ok {
				return &schema.DecodeError{Kind: schema.ErrOutOfBounds, Offset: tok.offset, Detail: tok.text}
			}
			run.text.WriteString(chunk)
			pending = true
		case opWindow:
			w, h := int(tok.n), int(tok.m)
			if d.sized && w == d.width && h == d.height {
				continue
			}
			flush()
			sink(schema.ResizePacket(d.pos, w, h))
			d.width, d.height, d.sized = w, h, true
		}
	}
	if in.remaining() {
		return &schema.DecodeError{Kind: schema.ErrExtraInput}
	}
	if out.remaining() {
		return &schema.DecodeError{Kind: schema.ErrExtraOutput}
	}
	flush()
	return nil
}

// textCursor slices a payload by character, not by byte.
type textCursor struct {
	runes []rune
	at    int
}

func newTextCursor(s string) *textCursor {
	return &textCursor{runes: []rune(s)}
}

func (c *textCursor) take(n int64) (string, bool) {
	if n > int64(len(c.runes)-c.at) {
		c.at = len(c.runes)
		return "", false
	}
	end := c.at + int(n)
	s := string(c.runes[c.at:end])
	c.at = end
	return s, true
}

func (c *textCursor) remaining() bool {
	return c.at < len(c.runes)
}
