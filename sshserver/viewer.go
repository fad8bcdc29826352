package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/core"
	"pkt.systems/tlogplay/internal/eventbus"
	"pkt.systems/tlogplay/internal/format"
	"pkt.systems/tlogplay/internal/sessionprefs"
	"pkt.systems/tlogplay/internal/termsink"
	"pkt.systems/tlogplay/schema"
)

var errUsage = errors.New("usage: [list | play <recording-id>]")

// viewer drives one SSH session: a recordings menu, or a single playback
// when the session was started with "play <id>".
type viewer struct {
	rw      io.ReadWriter
	service core.Service
	bus     *eventbus.Bus
	userID  schema.UserID
	screen  *screen
	render  *format.PlainRenderer
	winCh   <-chan gliderssh.Window
	keys    <-chan key
	eof     bool

	width  int
	height int
}

func newViewer(rw io.ReadWriter, service core.Service, bus *eventbus.Bus, userID schema.UserID, winCh <-chan gliderssh.Window) *viewer {
	return &viewer{
		rw:      rw,
		service: service,
		bus:     bus,
		userID:  userID,
		screen:  newScreen(rw),
		render:  format.NewPlainRenderer(),
		winCh:   winCh,
		width:   80,
		height:  24,
	}
}

func (v *viewer) SetSize(width, height int) {
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	v.width = width
	v.height = height
	v.screen.SetWidth(width)
}

// Run dispatches the session command.
func (v *viewer) Run(ctx context.Context, args []string) error {
	keys := make(chan key, 16)
	go readKeys(v.rw, keys)
	v.keys = keys

	switch {
	case len(args) == 0:
		return v.menu(ctx)
	case args[0] == "list" && len(args) == 1:
		recs, err := v.recordings(ctx)
		if err != nil {
			return err
		}
		v.println(v.render.FormatRecordings(recs)...)
		return nil
	case args[0] == "play" && len(args) == 2:
		final, err := v.play(ctx, schema.RecordingID(args[1]))
		if final.ID != "" {
			v.println("", fmt.Sprintf("-- stopped at %s / %s --",
				format.FormatDuration(final.Player.Pos), format.FormatDuration(final.Player.Duration)))
		}
		return err
	default:
		return errUsage
	}
}

func (v *viewer) log(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("user", v.userID)
}

func (v *viewer) println(lines ...string) {
	for _, line := range lines {
		_, _ = io.WriteString(v.rw, line+"\r\n")
	}
}

func (v *viewer) recordings(ctx context.Context) ([]schema.Recording, error) {
	resp, err := v.service.ListRecordings(ctx, schema.ListRecordingsRequest{
		UserID: v.userID,
		Sort:   schema.SortByStart,
		Desc:   true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Recordings, nil
}

func (v *viewer) menu(ctx context.Context) error {
	log := v.log(ctx)
	v.screen.EnterAltScreen()
	defer v.screen.ExitAltScreen()

	recs, err := v.recordings(ctx)
	if err != nil {
		return err
	}
	var updates <-chan schema.Recording
	if v.bus != nil {
		ch, unsubscribe := v.bus.SubscribeRecordings()
		defer unsubscribe()
		updates = ch
	}

	var input lineInput
	offset := 0
	notice := ""
	for {
		offset = v.drawMenu(recs, offset, notice, input.String())
		select {
		case <-ctx.Done():
			return nil
		case win, ok := <-v.winCh:
			if ok {
				v.SetSize(win.Width, win.Height)
			}
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if fresh, err := v.recordings(ctx); err == nil {
				recs = fresh
			}
		case k, ok := <-v.keys:
			if !ok {
				return nil
			}
			notice = ""
			switch k.kind {
			case keyCtrlC, keyCtrlD, keyEscape:
				return nil
			case keyRune:
				if k.r == 'q' && input.String() == "" {
					return nil
				}
				if k.r >= '0' && k.r <= '9' {
					input.Insert(k.r)
				}
			case keyBackspace:
				input.Backspace()
			case keyUp:
				offset--
			case keyDown:
				offset++
			case keyPageUp:
				offset -= v.menuRows()
			case keyPageDown:
				offset += v.menuRows()
			case keyEnter:
				n, err := strconv.Atoi(input.String())
				input.Clear()
				if err != nil || n < 1 || n > len(recs) {
					notice = "no such recording"
					continue
				}
				rec := recs[n-1]
				log.Info("ssh playback selected", "recording", rec.ID)
				if _, err := v.play(ctx, rec.ID); err != nil {
					notice = err.Error()
				}
				if v.eof || ctx.Err() != nil {
					return nil
				}
				if fresh, err := v.recordings(ctx); err == nil {
					recs = fresh
				}
			}
		}
	}
}

func (v *viewer) menuRows() int {
	return max(v.height-4, 1)
}

// drawMenu renders the recordings table scrolled to offset and returns the
// offset clamped to the table.
func (v *viewer) drawMenu(recs []schema.Recording, offset int, notice, input string) int {
	table := v.render.FormatRecordings(recs)
	header, rows := table[0], table[1:]
	if len(recs) == 0 {
		header, rows = "", table
	}
	visible := v.menuRows()
	offset = max(min(offset, len(rows)-visible), 0)
	end := min(offset+visible, len(rows))

	lines := make([]string, 0, visible+4)
	lines = append(lines, fmt.Sprintf("tlogplay: %d recordings for %s (number + enter plays, q quits)", len(recs), v.userID))
	lines = append(lines, header)
	lines = append(lines, rows[offset:end]...)
	for len(lines) < visible+2 {
		lines = append(lines, "")
	}
	lines = append(lines, notice)
	prompt := "play #: "
	lines = append(lines, prompt+input)
	_ = v.screen.Render(lines, len(lines), len(prompt)+len(input)+1)
	return offset
}

// play replays a recording into the session until the viewer quits and
// returns the final playback snapshot.
func (v *viewer) play(ctx context.Context, id schema.RecordingID) (schema.PlaybackSnapshot, error) {
	pctx := sessionprefs.WithContext(ctx, sessionprefs.New(sessionprefs.Autoplay(true)))
	v.screen.Clear()
	resp, err := v.service.OpenPlayback(pctx, schema.OpenPlaybackRequest{
		UserID:      v.userID,
		RecordingID: id,
	}, core.WithPlaybackTerminal(termsink.New(v.rw)))
	if err != nil {
		return schema.PlaybackSnapshot{}, err
	}
	playbackID := resp.Playback.ID
	log := v.log(ctx).With("playback", playbackID, "recording", id)

	var events <-chan schema.PlaybackEvent
	if v.bus != nil {
		ch, unsubscribe := v.bus.Subscribe(playbackID)
		defer unsubscribe()
		events = ch
	}

	var errs []string
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case win, ok := <-v.winCh:
			if ok {
				v.SetSize(win.Width, win.Height)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type == schema.EventError {
				errs = append(errs, ev.Error)
			}
		case k, ok := <-v.keys:
			if !ok {
				v.eof = true
				break loop
			}
			action, hotkey := v.playerAction(k)
			if action == "quit" {
				break loop
			}
			if action == "" {
				continue
			}
			if _, err := v.service.ControlPlayback(ctx, schema.ControlPlaybackRequest{
				UserID:     v.userID,
				PlaybackID: playbackID,
				Action:     action,
				Key:        hotkey,
			}); err != nil {
				log.Debug("ssh playback command failed", "action", action, "key", hotkey, "err", err)
			}
		}
	}

	closed, err := v.service.ClosePlayback(context.WithoutCancel(ctx), schema.ClosePlaybackRequest{
		UserID:     v.userID,
		PlaybackID: playbackID,
	})
	_, _ = io.WriteString(v.rw, "\x1b[0m")
	log.Info("ssh playback closed", "pos", closed.Playback.Player.Pos, "errors", len(errs))
	if err != nil && !errors.Is(err, schema.ErrPlaybackNotFound) {
		return closed.Playback, err
	}
	if len(errs) > 0 {
		return closed.Playback, fmt.Errorf("playback errors: %s", strings.Join(errs, "; "))
	}
	return closed.Playback, nil
}

// playerAction maps a key to a player command. It returns "quit" for the
// keys that end playback.
func (v *viewer) playerAction(k key) (action, hotkey string) {
	switch k.kind {
	case keyCtrlC, keyCtrlD, keyEscape:
		return "quit", ""
	case keyHome:
		return "rewind", ""
	case keyEnd:
		return "end", ""
	case keyRune:
		if k.r == 'q' || k.r == 'Q' {
			return "quit", ""
		}
	}
	name := playerKey(k)
	if name == "" {
		return "", ""
	}
	if _, ok := core.KeyCommand(name); !ok {
		return "", ""
	}
	return "key", name
}
