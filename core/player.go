package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/clock"
	"pkt.systems/tlogplay/schema"
)

const (
	// MinSpeedExp and MaxSpeedExp bound the playback speed exponent; the
	// speed is 2^exp.
	MinSpeedExp = -4
	MaxSpeedExp = 4

	// DefaultResyncInterval is how often the player resynchronizes on its own.
	DefaultResyncInterval = 100 * time.Millisecond

	// syncThreshold is the smallest delay, in milliseconds, worth a timer.
	syncThreshold = 5.0

	zoomStep = 0.1
	zoomMax  = 2.1
	zoomMin  = 0.2

	playerTitle = "Player"
)

// PacketSource is the part of PacketBuffer the player consumes.
type PacketSource interface {
	AwaitPacket(index int) *Await
	Packet(index int) (schema.Packet, bool)
	IsDone() bool
	Pos() int64
}

// CommandType identifies a player control.
type CommandType int

const (
	CommandPlay CommandType = iota + 1
	CommandPause
	CommandTogglePause
	CommandSpeedUp
	CommandSpeedDown
	CommandSpeedReset
	CommandSkip
	CommandRewind
	CommandFastForwardToEnd
	CommandFastForwardTo
	CommandSeek
	CommandZoomIn
	CommandZoomOut
	CommandFit
	CommandZoom
	CommandKey
	CommandStatus
)

var commandNames = map[CommandType]string{
	CommandPlay:             "play",
	CommandPause:            "pause",
	CommandTogglePause:      "toggle",
	CommandSpeedUp:          "speed-up",
	CommandSpeedDown:        "speed-down",
	CommandSpeedReset:       "speed-reset",
	CommandSkip:             "skip",
	CommandRewind:           "rewind",
	CommandFastForwardToEnd: "end",
	CommandFastForwardTo:    "ff",
	CommandSeek:             "seek",
	CommandZoomIn:           "zoom-in",
	CommandZoomOut:          "zoom-out",
	CommandFit:              "fit",
	CommandZoom:             "zoom",
	CommandKey:              "key",
	CommandStatus:           "status",
}

func (c CommandType) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCommandType maps a command name back to its type.
func ParseCommandType(name string) (CommandType, error) {
	for typ, n := range commandNames {
		if n == name {
			return typ, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", schema.ErrUnknownCommand, name)
}

// Command is a single player control request. TS is used by
// CommandFastForwardTo and CommandSeek, Key by CommandKey and Scale by
// CommandZoom.
type Command struct {
	Type  CommandType
	TS    int64
	Key   string
	Scale float64
}

// PlayerConfig configures a Player.
type PlayerConfig struct {
	Buffer         PacketSource
	Terminal       Terminal
	Input          InputSink
	Errors         ErrorReporter
	Clock          clock.Clock
	ResyncInterval time.Duration
	SpeedExp       int
	Autoplay       bool
	OnPosition     func(pos int64)
	OnTitle        func(title string)
}

type commandResult struct {
	status schema.PlayerSnapshot
	err    error
}

type commandRequest struct {
	cmd  Command
	resp chan commandResult
}

// Player replays a packet buffer into a terminal at recorded speed. All
// playback state is owned by the goroutine running Run; other goroutines
// talk to it through Do.
type Player struct {
	src        PacketSource
	term       Terminal
	input      InputSink
	errs       ErrorReporter
	clock      clock.Clock
	resync     time.Duration
	onPosition func(int64)
	onTitle    func(string)

	cmds chan commandRequest
	wake chan uint64
	quit chan struct{}

	pktIdx   int
	pkt      *schema.Packet
	recTS    float64
	locTS    time.Time
	paused   bool
	speedExp int
	skip     bool
	ffActive bool
	ffTo     float64
	lastPos  int64
	title    string
	cols     int
	rows     int
	zoom     schema.Zoom

	timer    *clock.Timer
	timerGen uint64
	await    *Await
	lastErr  string
}

// NewPlayer validates cfg and returns an idle player; call Run to start it.
func NewPlayer(cfg PlayerConfig) (*Player, error) {
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("%w: player requires a packet buffer", schema.ErrInvalidRequest)
	}
	if cfg.Terminal == nil {
		return nil, fmt.Errorf("%w: player requires a terminal", schema.ErrInvalidRequest)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	p := &Player{
		src:        cfg.Buffer,
		term:       cfg.Terminal,
		input:      cfg.Input,
		errs:       cfg.Errors,
		clock:      cfg.Clock,
		resync:     cfg.ResyncInterval,
		onPosition: cfg.OnPosition,
		onTitle:    cfg.OnTitle,
		cmds:       make(chan commandRequest),
		wake:       make(chan uint64),
		quit:       make(chan struct{}),
		paused:     !cfg.Autoplay,
		speedExp:   clampSpeedExp(cfg.SpeedExp),
		title:      playerTitle,
		zoom:       schema.Zoom{Scale: 1, Initial: 1},
	}
	if n, ok := cfg.Terminal.(TitleNotifier); ok {
		n.OnTitle(p.setTitle)
	}
	return p, nil
}

// Run drives playback until ctx is cancelled.
func (p *Player) Run(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	defer close(p.quit)
	defer p.clearTimer()

	p.reset()
	p.fastForwardTo(0)
	log.Debug("player started", "speed", SpeedLabel(p.speedExp), "paused", p.paused)

	var tick <-chan time.Time
	if p.resync > 0 {
		ticker := p.clock.NewTicker(p.resync)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		var awaitDone <-chan struct{}
		if p.await != nil {
			awaitDone = p.await.Done()
		}
		select {
		case <-ctx.Done():
			log.Debug("player stopped", "index", p.pktIdx)
			return ctx.Err()
		case req := <-p.cmds:
			err := p.apply(req.cmd)
			if err != nil {
				log.Debug("player command rejected", "command", req.cmd.Type, "err", err)
			}
			req.resp <- commandResult{status: p.snapshot(), err: err}
		case <-awaitDone:
			a := p.await
			p.await = nil
			if err := a.Err(); err != nil {
				p.handleError(log, err)
				continue
			}
			p.sync()
		case gen := <-p.wake:
			if gen == p.timerGen && p.timer != nil {
				p.timer = nil
				p.sync()
			}
		case <-tick:
			p.sync()
		}
	}
}

// Do submits cmd to the running player and returns the resulting status.
func (p *Player) Do(ctx context.Context, cmd Command) (schema.PlayerSnapshot, error) {
	resp := make(chan commandResult, 1)
	select {
	case p.cmds <- commandRequest{cmd: cmd, resp: resp}:
	case <-p.quit:
		return schema.PlayerSnapshot{}, schema.ErrPlayerClosed
	case <-ctx.Done():
		return schema.PlayerSnapshot{}, ctx.Err()
	}
	select {
	case res := <-resp:
		return res.status, res.err
	case <-p.quit:
		return schema.PlayerSnapshot{}, schema.ErrPlayerClosed
	case <-ctx.Done():
		return schema.PlayerSnapshot{}, ctx.Err()
	}
}

// Snapshot returns the current player state.
func (p *Player) Snapshot(ctx context.Context) (schema.PlayerSnapshot, error) {
	return p.Do(ctx, Command{Type: CommandStatus})
}

// Done is closed once Run has returned.
func (p *Player) Done() <-chan struct{} {
	return p.quit
}

func (p *Player) apply(cmd Command) error {
	switch cmd.Type {
	case CommandPlay:
		p.setPaused(false)
	case CommandPause:
		p.setPaused(true)
	case CommandTogglePause:
		p.setPaused(!p.paused)
	case CommandSpeedUp:
		p.setSpeedExp(p.speedExp + 1)
	case CommandSpeedDown:
		p.setSpeedExp(p.speedExp - 1)
	case CommandSpeedReset:
		p.setSpeedExp(0)
	case CommandSkip:
		p.skip = true
		p.sync()
	case CommandRewind:
		p.rewindToStart()
	case CommandFastForwardToEnd:
		p.ffActive = true
		p.ffTo = math.Inf(1)
		p.sync()
	case CommandFastForwardTo:
		if cmd.TS < 0 {
			return fmt.Errorf("%w: negative timestamp %d", schema.ErrInvalidRequest, cmd.TS)
		}
		p.fastForwardTo(float64(cmd.TS))
	case CommandSeek:
		if cmd.TS < 0 {
			return fmt.Errorf("%w: negative timestamp %d", schema.ErrInvalidRequest, cmd.TS)
		}
		wasPaused := p.paused
		p.setPaused(true)
		p.fastForwardTo(float64(cmd.TS))
		if !wasPaused {
			p.setPaused(false)
		}
	case CommandZoomIn:
		if p.zoom.Scale < zoomMax {
			p.setZoom(p.zoom.Scale + zoomStep)
		}
	case CommandZoomOut:
		if p.zoom.Scale >= zoomMin {
			p.setZoom(p.zoom.Scale - zoomStep)
		}
	case CommandFit:
		p.fitToScreen()
	case CommandZoom:
		if cmd.Scale <= 0 || cmd.Scale > zoomMax+zoomStep {
			return fmt.Errorf("%w: zoom scale %g out of range", schema.ErrInvalidRequest, cmd.Scale)
		}
		p.setZoom(cmd.Scale)
	case CommandKey:
		typ, ok := KeyCommand(cmd.Key)
		if !ok {
			return nil
		}
		return p.apply(Command{Type: typ})
	case CommandStatus:
	default:
		return fmt.Errorf("%w: %d", schema.ErrUnknownCommand, cmd.Type)
	}
	return nil
}

// KeyCommand maps a player hotkey to its command.
func KeyCommand(key string) (CommandType, bool) {
	switch key {
	case "P", "p":
		return CommandTogglePause, true
	case "}":
		return CommandSpeedUp, true
	case "{":
		return CommandSpeedDown, true
	case "Backspace":
		return CommandSpeedReset, true
	case ".":
		return CommandSkip, true
	case "G":
		return CommandFastForwardToEnd, true
	case "R":
		return CommandRewind, true
	case "+", "=":
		return CommandZoomIn, true
	case "-":
		return CommandZoomOut, true
	case "Z":
		return CommandFit, true
	}
	return 0, false
}

// SpeedLabel renders a speed exponent as "x2", "/4" or "" for normal speed.
func SpeedLabel(exp int) string {
	switch {
	case exp > 0:
		return "x" + strconv.Itoa(1<<exp)
	case exp < 0:
		return "/" + strconv.Itoa(1<<-exp)
	}
	return ""
}

func clampSpeedExp(exp int) int {
	return min(max(exp, MinSpeedExp), MaxSpeedExp)
}

func (p *Player) speed() float64 {
	return math.Pow(2, float64(p.speedExp))
}

func (p *Player) setPaused(paused bool) {
	if p.paused == paused {
		return
	}
	p.paused = paused
	if !paused {
		p.locTS = p.clock.Now()
	}
	p.sync()
}

func (p *Player) setSpeedExp(exp int) {
	exp = clampSpeedExp(exp)
	if exp == p.speedExp {
		return
	}
	p.speedExp = exp
	p.sync()
}

func (p *Player) rewindToStart() {
	if p.input != nil {
		p.input.ClearInput()
	}
	p.reset()
	p.sync()
}

func (p *Player) fastForwardTo(ts float64) {
	if ts < p.recTS {
		p.reset()
	}
	p.ffActive = true
	p.ffTo = ts
	p.sync()
}

func (p *Player) reset() {
	p.clearTimer()
	p.term.Reset()
	p.pktIdx = 0
	p.pkt = nil
	p.skip = false
	p.ffActive = false
	p.ffTo = 0
	p.recTS = 0
	p.lastPos = 0
	p.locTS = p.clock.Now()
	p.awaitPacket(0)
}

// sync emits every packet that is due, then schedules the next wakeup or
// waits for more packets.
func (p *Player) sync() {
	p.clearTimer()
	for {
		if p.pkt == nil {
			pkt, ok := p.src.Packet(p.pktIdx)
			if !ok {
				if p.ffActive && p.src.IsDone() {
					p.ffActive = false
				}
				p.awaitPacket(p.pktIdx)
				return
			}
			p.pkt = &pkt
			p.pktIdx++
		}

		now := p.clock.Now()
		var locDelay float64
		if !p.paused {
			locDelay = float64(now.Sub(p.locTS)) / float64(time.Millisecond)
		}
		p.locTS = now

		pos := float64(p.pkt.Pos)
		switch {
		case p.skip:
			p.skip = false
			p.recTS = pos
		case p.ffActive:
			if pos < p.ffTo {
				p.recTS = pos
			} else {
				p.recTS = p.ffTo
				p.ffActive = false
				continue
			}
		case p.paused:
			return
		default:
			p.recTS += locDelay * p.speed()
			delay := (pos - p.recTS) / p.speed()
			if delay > syncThreshold {
				p.setTimer(time.Duration(delay * float64(time.Millisecond)))
				return
			}
		}

		p.emit(*p.pkt)
		p.pkt = nil
	}
}

func (p *Player) emit(pkt schema.Packet) {
	p.lastPos = pkt.Pos
	if p.onPosition != nil {
		p.onPosition(pkt.Pos)
	}
	switch {
	case pkt.IsInput():
		if p.input != nil {
			p.input.Input(pkt.Text)
		}
	case pkt.IsOutput():
		p.term.Write(pkt.Text)
	default:
		p.cols, p.rows = pkt.Width, pkt.Height
		p.term.Resize(pkt.Width, pkt.Height)
		if !p.zoom.Locked {
			p.fit()
		}
	}
}

func (p *Player) awaitPacket(index int) {
	p.await = p.src.AwaitPacket(index)
}

func (p *Player) handleError(log pslog.Logger, err error) {
	if errors.Is(err, schema.ErrBufferStopped) {
		return
	}
	if msg := err.Error(); msg != p.lastErr {
		p.lastErr = msg
		log.Warn("player packet wait failed", "index", p.pktIdx, "err", err)
		if p.errs != nil {
			p.errs.ReportError(err)
		}
	}
}

func (p *Player) setTimer(d time.Duration) {
	p.timerGen++
	gen := p.timerGen
	p.timer = p.clock.AfterFunc(d, func() {
		select {
		case p.wake <- gen:
		case <-p.quit:
		}
	})
}

func (p *Player) clearTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Player) setTitle(title string) {
	p.title = playerTitle + ": " + title
	if p.onTitle != nil {
		p.onTitle(p.title)
	}
}

// fit recomputes the automatic scale for the current geometry.
func (p *Player) fit() {
	scale := 1.0
	if f, ok := p.term.(Fitter); ok && p.cols > 0 && p.rows > 0 {
		scale = f.Fit(p.cols, p.rows)
	}
	p.zoom.Scale = scale
	p.zoom.Initial = scale
	p.applyScale()
}

func (p *Player) fitToScreen() {
	p.zoom.Locked = false
	p.fit()
}

func (p *Player) setZoom(scale float64) {
	if strconv.FormatFloat(scale, 'f', 6, 64) == strconv.FormatFloat(p.zoom.Initial, 'f', 6, 64) {
		p.fitToScreen()
		return
	}
	p.zoom.Locked = true
	p.zoom.Scale = scale
	p.applyScale()
}

func (p *Player) applyScale() {
	if s, ok := p.term.(Scaler); ok {
		s.SetScale(p.zoom.Scale)
	}
}

func (p *Player) snapshot() schema.PlayerSnapshot {
	return schema.PlayerSnapshot{
		Index:       p.pktIdx,
		Pos:         int64(p.recTS),
		Duration:    p.src.Pos(),
		Paused:      p.paused,
		SpeedExp:    p.speedExp,
		Speed:       SpeedLabel(p.speedExp),
		FastForward: p.ffActive,
		Loaded:      p.src.IsDone(),
		Title:       p.title,
		Cols:        p.cols,
		Rows:        p.rows,
		Zoom:        p.zoom,
	}
}
