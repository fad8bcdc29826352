package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/clock"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/internal/termsink"
	"pkt.systems/tlogplay/schema"
)

// PlaybackConfig configures a playback session.
type PlaybackConfig struct {
	ID        schema.PlaybackID
	User      schema.UserID
	Recording schema.Recording
	Journal   journal.Journal
	Sink      EventSink
	// Terminal optionally receives the replay alongside the event sink.
	Terminal       Terminal
	Clock          clock.Clock
	ResyncInterval time.Duration
	InputEchoLimit int
	SpeedExp       int
	Autoplay       bool
	// Zoom, when locked, is applied once the player starts.
	Zoom schema.Zoom
	// StartAt seeks to a recording position once the player starts.
	StartAt int64
}

// Playback is one recording being played: a packet buffer feeding a player
// whose output is published as playback events.
type Playback struct {
	id        schema.PlaybackID
	user      schema.UserID
	recording schema.Recording
	buffer    *PacketBuffer
	player    *Player
	errs      *ErrorList
	input     *InputEcho
	sink      EventSink
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	lastPos int64
}

// StartPlayback starts loading and playing cfg.Recording. The session runs
// until Close or until ctx ends.
func StartPlayback(ctx context.Context, cfg PlaybackConfig) (*Playback, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("%w: playback requires a journal", schema.ErrInvalidRequest)
	}
	if len(cfg.Recording.MatchList) == 0 {
		return nil, fmt.Errorf("%w: recording %q has no matches", schema.ErrInvalidRecording, cfg.Recording.ID)
	}
	ctx, cancel := context.WithCancel(ctx)
	pb := &Playback{
		id:        cfg.ID,
		user:      cfg.User,
		recording: cfg.Recording,
		input:     NewInputEcho(cfg.InputEchoLimit),
		sink:      cfg.Sink,
		cancel:    cancel,
		done:      make(chan struct{}),
		lastPos:   -1,
	}
	pb.errs = NewErrorList(func(msg string) {
		pb.publish(schema.PlaybackEvent{Type: schema.EventError, Error: msg})
	})
	pb.buffer = NewPacketBuffer(ctx, cfg.Journal, cfg.Recording.MatchList, WithErrorReporter(pb.errs))

	term := MultiTerminal(&eventTerminal{pb: pb}, cfg.Terminal)
	player, err := NewPlayer(PlayerConfig{
		Buffer:         pb.buffer,
		Terminal:       term,
		Input:          playbackInput{pb: pb},
		Errors:         pb.errs,
		Clock:          cfg.Clock,
		ResyncInterval: cfg.ResyncInterval,
		SpeedExp:       cfg.SpeedExp,
		Autoplay:       cfg.Autoplay,
		OnPosition:     pb.onPosition,
		OnTitle: func(title string) {
			pb.publish(schema.PlaybackEvent{Type: schema.EventTitle, Text: title})
		},
	})
	if err != nil {
		cancel()
		pb.buffer.Stop()
		return nil, err
	}
	pb.player = player

	log := pslog.Ctx(ctx)
	go func() {
		defer close(pb.done)
		defer pb.buffer.Stop()
		if err := player.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("playback player stopped", "err", err)
		}
	}()

	if cfg.Zoom.Locked && cfg.Zoom.Scale > 0 {
		if _, err := player.Do(ctx, Command{Type: CommandZoom, Scale: cfg.Zoom.Scale}); err != nil {
			log.Debug("playback zoom restore skipped", "scale", cfg.Zoom.Scale, "err", err)
		}
	}
	if cfg.StartAt > 0 {
		if _, err := player.Do(ctx, Command{Type: CommandSeek, TS: cfg.StartAt}); err != nil {
			pb.Close()
			return nil, err
		}
	}
	log.Info("playback started", "matches", len(cfg.Recording.MatchList), "start_at", cfg.StartAt)
	return pb, nil
}

// ID returns the playback id.
func (pb *Playback) ID() schema.PlaybackID { return pb.id }

// User returns the owning user.
func (pb *Playback) User() schema.UserID { return pb.user }

// Recording returns the recording being played.
func (pb *Playback) Recording() schema.Recording { return pb.recording }

// Done is closed when the session has stopped.
func (pb *Playback) Done() <-chan struct{} { return pb.done }

// Do applies a player command and returns the resulting snapshot.
func (pb *Playback) Do(ctx context.Context, cmd Command) (schema.PlaybackSnapshot, error) {
	st, err := pb.player.Do(ctx, cmd)
	return pb.snapshotWith(st), err
}

// Snapshot returns the current session state.
func (pb *Playback) Snapshot(ctx context.Context) (schema.PlaybackSnapshot, error) {
	st, err := pb.player.Snapshot(ctx)
	return pb.snapshotWith(st), err
}

// Position returns the pos of the last emitted packet, or -1.
func (pb *Playback) Position() int64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.lastPos
}

// Close stops the player and the buffer and waits for them.
func (pb *Playback) Close() {
	pb.cancel()
	pb.buffer.Stop()
	<-pb.done
}

func (pb *Playback) snapshotWith(st schema.PlayerSnapshot) schema.PlaybackSnapshot {
	return schema.PlaybackSnapshot{
		ID:        pb.id,
		Recording: pb.recording,
		Player:    st,
		Input:     pb.input.String(),
		Buffer:    pb.buffer.State(),
		Packets:   pb.buffer.Len(),
		Errors:    pb.errs.Messages(),
	}
}

func (pb *Playback) onPosition(pos int64) {
	pb.mu.Lock()
	if pos == pb.lastPos {
		pb.mu.Unlock()
		return
	}
	pb.lastPos = pos
	pb.mu.Unlock()
	pb.publish(schema.PlaybackEvent{Type: schema.EventPosition, Pos: pos})
}

func (pb *Playback) publish(event schema.PlaybackEvent) {
	if pb.sink == nil {
		return
	}
	event.Playback = pb.id
	event.Origin = pb.recording.ID
	pb.sink.OnPlaybackEvent(event)
}

// eventTerminal publishes terminal operations as playback events.
type eventTerminal struct {
	pb      *Playback
	titles  termsink.TitleScanner
	onTitle func(string)
}

func (t *eventTerminal) Write(text string) {
	t.pb.publish(schema.PlaybackEvent{Type: schema.EventOutput, Text: text})
	if t.onTitle == nil {
		return
	}
	for _, title := range t.titles.Scan(text) {
		t.onTitle(title)
	}
}

func (t *eventTerminal) Resize(cols, rows int) {
	t.pb.publish(schema.PlaybackEvent{Type: schema.EventResize, Width: cols, Height: rows})
}

func (t *eventTerminal) Reset() {
	t.titles.Reset()
	t.pb.publish(schema.PlaybackEvent{Type: schema.EventReset})
}

func (t *eventTerminal) OnTitle(fn func(string)) {
	t.onTitle = fn
}

type playbackInput struct {
	pb *Playback
}

func (in playbackInput) Input(text string) {
	in.pb.input.Input(text)
	in.pb.publish(schema.PlaybackEvent{Type: schema.EventInput, Text: in.pb.input.String()})
}

func (in playbackInput) ClearInput() {
	in.pb.input.ClearInput()
	in.pb.publish(schema.PlaybackEvent{Type: schema.EventInput})
}
