package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/schema"
)

// JournalctlConfig controls how journalctl is invoked.
type JournalctlConfig struct {
	BinaryPath string
	// Directory reads journal files from a directory instead of the system journal.
	Directory string
	ExtraArgs []string
	Env       []string
}

// Journalctl queries the system journal through the journalctl binary.
type Journalctl struct {
	cfg JournalctlConfig
}

// NewJournalctl constructs a journalctl backed journal.
func NewJournalctl(cfg JournalctlConfig) *Journalctl {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "journalctl"
	}
	return &Journalctl{cfg: cfg}
}

// Query implements Journal by running journalctl -o json.
func (j *Journalctl) Query(ctx context.Context, matches []schema.Match, opts schema.QueryOptions) (Stream, error) {
	args := BuildArgs(j.cfg, matches, opts)
	log := pslog.Ctx(ctx)
	log.Debug("journalctl start", "args", args, "follow", opts.Follow)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, j.cfg.BinaryPath, args...)
	cmd.Env = append(os.Environ(), j.cfg.Env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		log.Error("journalctl stdout failed", "err", err)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		log.Error("journalctl stderr failed", "err", err)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		log.Error("journalctl start failed", "err", err)
		return nil, err
	}
	started := time.Now()
	stderrText := make(chan string, 1)
	go func() {
		var lines []string
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if text := strings.TrimSpace(scanner.Text()); text != "" {
				lines = append(lines, text)
			}
		}
		stderrText <- strings.Join(lines, "; ")
	}()

	finish := func(readErr error) error {
		if readErr != nil {
			cancel()
		}
		msg := <-stderrText
		waitErr := cmd.Wait()
		cancel()
		if readErr != nil {
			return readErr
		}
		if waitErr == nil {
			log.Debug("journalctl exit", "duration_ms", time.Since(started).Milliseconds())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				return fmt.Errorf("journalctl killed by %s", status.Signal())
			}
			if msg == "" {
				msg = "exit code " + strconv.Itoa(exitErr.ExitCode())
			}
			log.Warn("journalctl failed", "exit_code", exitErr.ExitCode(), "stderr", msg)
			return fmt.Errorf("journalctl: %s", msg)
		}
		return waitErr
	}
	stream := newReaderStream(ctx, stdout, nil, finish)
	return &commandStream{readerStream: stream, cancel: cancel}, nil
}

type commandStream struct {
	*readerStream
	cancel context.CancelFunc
}

func (s *commandStream) Close() error {
	s.cancel()
	return s.readerStream.Close()
}

// BuildArgs renders the journalctl arguments for a query.
func BuildArgs(cfg JournalctlConfig, matches []schema.Match, opts schema.QueryOptions) []string {
	args := []string{"--output=json", "--no-pager"}
	if cfg.Directory != "" {
		args = append(args, "--directory="+cfg.Directory)
	}
	switch {
	case opts.Count > 0:
		args = append(args, "--lines="+strconv.Itoa(opts.Count))
	case opts.Count == schema.CountAll:
		args = append(args, "--no-tail")
	}
	if opts.Follow {
		args = append(args, "--follow")
	}
	if opts.Merge {
		args = append(args, "--merge")
	}
	if opts.Cursor != "" {
		args = append(args, "--cursor="+string(opts.Cursor))
	}
	if opts.Since != "" {
		args = append(args, "--since="+opts.Since)
	}
	if opts.Until != "" {
		args = append(args, "--until="+opts.Until)
	}
	if opts.Grep != "" {
		args = append(args, "--grep="+opts.Grep)
	}
	args = append(args, cfg.ExtraArgs...)
	if len(matches) > 0 {
		args = append(args, "--")
		for _, m := range matches {
			args = append(args, string(m))
		}
	}
	return args
}
