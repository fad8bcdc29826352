package journal

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"pkt.systems/pslog"
	"pkt.systems/tlogplay/schema"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// FileConfig configures a file backed journal.
type FileConfig struct {
	// Path is a `journalctl -o json` export, optionally zstd or lz4 compressed.
	Path string
	// PollInterval is how often a followed plain file is checked for growth.
	PollInterval time.Duration
}

// File serves queries from an exported journal file.
type File struct {
	cfg FileConfig
}

// NewFile constructs a file backed journal.
func NewFile(cfg FileConfig) *File {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &File{cfg: cfg}
}

// Query implements Journal. Follow queries on plain files tail the file;
// compressed files are read once and then idle until closed.
func (f *File) Query(ctx context.Context, matches []schema.Match, opts schema.QueryOptions) (Stream, error) {
	filter, err := newEntryFilter(matches, opts)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		return nil, err
	}
	reader, compression, closeReader, err := openDecompressed(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	log := pslog.Ctx(ctx)
	log.Debug("journal file open", "path", f.cfg.Path, "compression", compression, "follow", opts.Follow)

	if !opts.Follow && opts.Count > 0 {
		defer closeReader()
		defer file.Close()
		entries, err := readAll(ctx, reader, filter)
		if err != nil {
			return nil, err
		}
		if len(entries) > opts.Count {
			entries = entries[len(entries)-opts.Count:]
		}
		return NewMemory(entries).Query(ctx, nil, schema.QueryOptions{Count: schema.CountAll})
	}

	ctx, cancel := context.WithCancel(ctx)
	if opts.Follow {
		if compression == "" {
			reader = &tailReader{ctx: ctx, r: reader, interval: f.cfg.PollInterval}
		} else {
			reader = &idleReader{ctx: ctx, r: reader}
		}
	}
	keep := func(entry schema.LogEntry) (bool, bool) {
		if !opts.Follow && filter.pastUntil(entry) {
			return false, true
		}
		return filter.keep(entry), false
	}
	finish := func(readErr error) error {
		closeReader()
		_ = file.Close()
		return readErr
	}
	return &commandStream{readerStream: newReaderStream(ctx, reader, keep, finish), cancel: cancel}, nil
}

func readAll(ctx context.Context, r io.Reader, filter *entryFilter) ([]schema.LogEntry, error) {
	reader := newEntryReader(r)
	var entries []schema.LogEntry
	for {
		entry, err := reader.Next(ctx)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		if filter.keep(entry) {
			entries = append(entries, entry)
		}
	}
}

func openDecompressed(r io.Reader) (io.Reader, string, func(), error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(4)
	switch {
	case bytes.Equal(magic, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", nil, fmt.Errorf("zstd: %w", err)
		}
		return dec, "zstd", dec.Close, nil
	case bytes.Equal(magic, lz4Magic):
		return lz4.NewReader(br), "lz4", func() {}, nil
	default:
		return br, "", func() {}, nil
	}
}

// tailReader keeps reading past EOF, waiting for the file to grow.
type tailReader struct {
	ctx      context.Context
	r        io.Reader
	interval time.Duration
}

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := t.r.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		timer := time.NewTimer(t.interval)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return 0, t.ctx.Err()
		case <-timer.C:
		}
	}
}

// idleReader turns EOF into a wait for cancellation.
type idleReader struct {
	ctx context.Context
	r   io.Reader
}

func (i *idleReader) Read(p []byte) (int, error) {
	n, err := i.r.Read(p)
	if err == io.EOF && n == 0 {
		<-i.ctx.Done()
		return 0, i.ctx.Err()
	}
	return n, err
}

// WriteExport writes entries as a `journalctl -o json` export.
func WriteExport(w io.Writer, entries []schema.LogEntry) error {
	bw := bufio.NewWriter(w)
	for _, entry := range entries {
		line, err := EncodeEntry(entry)
		if err != nil {
			return err
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
