package tlog

import (
	"fmt"
	"math"

	"pkt.systems/tlogplay/schema"
)

type timingOp int

const (
	opEnd timingOp = iota
	opDelay
	opTextIn
	opBinaryIn
	opTextOut
	opBinaryOut
	opWindow
)

type timingToken struct {
	op     timingOp
	n      int64
	m      int64
	offset int
	text   string
}

// scanner reads timing tokens strictly left to right. Nothing may appear
// between tokens.
type scanner struct {
	src string
	at  int
}

func (s *scanner) next() (timingToken, error) {
	start := s.at
	if s.at >= len(s.src) {
		return timingToken{op: opEnd, offset: start}, nil
	}
	c := s.src[s.at]
	s.at++
	tok := timingToken{offset: start}
	var err error
	switch c {
	case '+':
		tok.op = opDelay
		tok.n, err = s.number()
	case '<':
		tok.op = opTextIn
		tok.n, err = s.number()
	case '>':
		tok.op = opTextOut
		tok.n, err = s.number()
	case '[', ']':
		tok.op = opBinaryIn
		if c == ']' {
			tok.op = opBinaryOut
		}
		if tok.n, err = s.number(); err == nil {
			if err = s.expect('/'); err == nil {
				tok.m, err = s.number()
			}
		}
	case '=':
		tok.op = opWindow
		if tok.n, err = s.number(); err == nil {
			if err = s.expect('x'); err == nil {
				tok.m, err = s.number()
			}
		}
	default:
		err = s.invalid(start, fmt.Sprintf("unexpected %q", c))
	}
	if err != nil {
		return timingToken{}, err
	}
	tok.text = s.src[start:s.at]
	return tok, nil
}

func (s *scanner) number() (int64, error) {
	start := s.at
	var n int64
	for s.at < len(s.src) && s.src[s.at] >= '0' && s.src[s.at] <= '9' {
		d := int64(s.src[s.at] - '0')
		if n > (math.MaxInt64-d)/10 {
			return 0, s.invalid(start, "number overflows")
		}
		n = n*10 + d
		s.at++
	}
	if s.at == start {
		return 0, s.invalid(start, "expected digits")
	}
	return n, nil
}

func (s *scanner) expect(c byte) error {
	if s.at >= len(s.src) || s.src[s.at] != c {
		return s.invalid(s.at, fmt.Sprintf("expected %q", c))
	}
	s.at++
	return nil
}

func (s *scanner) invalid(offset int, detail string) error {
	return &schema.DecodeError{Kind: schema.ErrInvalidTiming, Offset: offset, Detail: detail}
}
