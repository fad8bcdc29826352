package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/core"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/format"
	"pkt.systems/tlogplay/internal/sessionprefs"
	"pkt.systems/tlogplay/internal/termsink"
	"pkt.systems/tlogplay/schema"
)

func newPlayCmd() *cobra.Command {
	var cfgPath string
	var speedExp int
	var paused bool
	var resize bool
	var at time.Duration
	var resume bool
	cmd := &cobra.Command{
		Use:   "play <recording-id>",
		Short: "Replay a recording in this terminal",
		Long: "Replay a recording in this terminal.\n\n" +
			"Keys: space/p pause, } faster, { slower, Backspace normal speed, . step,\n" +
			"G end, R rewind, +/- zoom, Z fit, q quit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			id := schema.RecordingID(args[0])
			service, _, err := openLocalService(cmd.Context(), cfg, id)
			if err != nil {
				return err
			}
			defer func() { _ = service.Close() }()

			in := cmd.InOrStdin()
			out := cmd.OutOrStdout()
			if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				state, err := term.MakeRaw(int(f.Fd()))
				if err != nil {
					return err
				}
				defer func() { _ = term.Restore(int(f.Fd()), state) }()
			}
			opts := []sessionprefs.Option{sessionprefs.Autoplay(!paused), sessionprefs.Resume(resume)}
			if cmd.Flags().Changed("speed") {
				opts = append(opts, sessionprefs.Speed(speedExp))
			}
			prefs := sessionprefs.New(opts...)
			final, err := playLocal(cmd.Context(), service, localPlayback{
				recording: id,
				prefs:     prefs,
				in:        in,
				out:       out,
				resize:    resize,
				at:        at,
			})
			if final.ID != "" {
				_, _ = fmt.Fprintf(out, "\x1b[0m\r\n-- stopped at %s / %s --\r\n",
					format.FormatDuration(final.Player.Pos), format.FormatDuration(final.Player.Duration))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().IntVar(&speedExp, "speed", 0, "initial speed exponent (speed is 2^n, -4 to 4)")
	cmd.Flags().BoolVar(&paused, "paused", false, "start paused")
	cmd.Flags().BoolVar(&resize, "resize", false, "resize this terminal to the recorded geometry")
	cmd.Flags().DurationVar(&at, "at", 0, "start at this recording position")
	cmd.Flags().BoolVar(&resume, "resume", false, "start where the last local playback stopped")
	return cmd
}

type localPlayback struct {
	recording schema.RecordingID
	prefs     sessionprefs.Prefs
	in        io.Reader
	out       io.Writer
	resize    bool
	at        time.Duration
}

// playLocal replays a recording to p.out, reading hotkeys from p.in until
// the viewer quits or the input ends.
func playLocal(ctx context.Context, service core.Service, p localPlayback) (schema.PlaybackSnapshot, error) {
	log := pslog.Ctx(ctx).With("recording", p.recording)
	resp, err := service.OpenPlayback(sessionprefs.WithContext(ctx, p.prefs), schema.OpenPlaybackRequest{
		UserID:      localUser,
		RecordingID: p.recording,
	}, core.WithPlaybackTerminal(termsink.New(p.out, termsink.WithResize(p.resize))))
	if err != nil {
		return schema.PlaybackSnapshot{}, err
	}
	playbackID := resp.Playback.ID
	control := func(action, key string, ts int64) {
		if _, err := service.ControlPlayback(ctx, schema.ControlPlaybackRequest{
			UserID:     localUser,
			PlaybackID: playbackID,
			Action:     action,
			Key:        key,
			TS:         ts,
		}); err != nil {
			log.Debug("playback control failed", "action", action, "key", key, "err", err)
		}
	}
	if p.at > 0 {
		control(core.CommandSeek.String(), "", p.at.Milliseconds())
	}

	keys := make(chan byte, 16)
	go func() {
		defer close(keys)
		buf := make([]byte, 64)
		for {
			n, err := p.in.Read(buf)
			for _, b := range buf[:n] {
				keys <- b
			}
			if err != nil {
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case b, ok := <-keys:
			if !ok {
				break loop
			}
			action, key := localKey(b)
			switch action {
			case "":
			case "quit":
				break loop
			default:
				control(action, key, 0)
			}
		}
	}

	closed, err := service.ClosePlayback(context.WithoutCancel(ctx), schema.ClosePlaybackRequest{
		UserID:     localUser,
		PlaybackID: playbackID,
	})
	if err != nil && !errors.Is(err, schema.ErrPlaybackNotFound) {
		return closed.Playback, err
	}
	if n := len(closed.Playback.Errors); n > 0 {
		return closed.Playback, fmt.Errorf("playback errors: %s", closed.Playback.Errors[n-1])
	}
	return closed.Playback, nil
}

// localKey maps one input byte to a player action. Escape sequence bytes
// are dropped.
func localKey(b byte) (action, key string) {
	switch b {
	case 'q', 'Q', 0x03, 0x04:
		return "quit", ""
	case 0x7f, 0x08:
		return "key", "Backspace"
	case ' ':
		return "key", "p"
	case 0x1b, '[', 'O':
		return "", ""
	}
	name := string(rune(b))
	if _, ok := core.KeyCommand(name); !ok {
		return "", ""
	}
	return "key", name
}
