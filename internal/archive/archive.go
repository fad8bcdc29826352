// Package archive exports recordings into encrypted, compressed files and
// serves them back as a read-only journal.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"pkt.systems/kryptograf"
	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
)

// Ext is the archive file extension.
const Ext = ".tlogz"

// maxManifest bounds the encoded manifest size.
const maxManifest = 1 << 20

var magic = []byte("TLOGZ\x00\x01\n")

var (
	// ErrNotArchive is returned for files without the archive header.
	ErrNotArchive = errors.New("not a recording archive")
	// ErrDigestMismatch is returned when the decrypted entries do not match
	// the manifest digest.
	ErrDigestMismatch = errors.New("archive digest mismatch")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("archive: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("archive: cbor decoder: " + err.Error())
	}
}

// Manifest describes an archived recording. It is stored in clear text
// ahead of the encrypted entries.
type Manifest struct {
	ID    schema.RecordingID `cbor:"1,keyasint" json:"id"`
	User  string             `cbor:"2,keyasint" json:"user"`
	Start int64              `cbor:"3,keyasint" json:"start"`
	End   int64              `cbor:"4,keyasint" json:"end"`
	Count int                `cbor:"5,keyasint" json:"count"`
	// Digest is the hex blake3 digest of the encoded entry frames.
	Digest   string `cbor:"6,keyasint" json:"digest"`
	Exported int64  `cbor:"7,keyasint" json:"exported"`
	Host     string `cbor:"8,keyasint,omitempty" json:"host,omitempty"`
}

// Recording converts the manifest to the recording it describes.
func (m Manifest) Recording() schema.Recording {
	return schema.Recording{
		ID:        m.ID,
		MatchList: []schema.Match{schema.MatchField(schema.FieldTlogRec, string(m.ID))},
		User:      m.User,
		Hostname:  m.Host,
		Start:     m.Start,
		End:       m.End,
		Duration:  m.End - m.Start,
	}
}

// Store keeps archives in one directory.
type Store struct {
	dir          string
	keyStorePath string
	log          pslog.Logger
	now          func() time.Time
}

// NewStore initializes the archive directory and key store.
func NewStore(dir, keyStorePath string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := EnsureKeyStore(keyStorePath, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		dir:          dir,
		keyStorePath: keyStorePath,
		log:          logger.With("archive_dir", dir),
		now:          time.Now,
	}, nil
}

// Dir returns the archive directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the archive path of a recording.
func (s *Store) Path(id schema.RecordingID) string {
	return filepath.Join(s.dir, string(id)+Ext)
}

// ExportRecording reads every entry of rec from j and archives them.
func (s *Store) ExportRecording(ctx context.Context, j journal.Journal, rec schema.Recording) (Manifest, error) {
	stream, err := j.Query(ctx, rec.MatchList, schema.QueryOptions{Count: schema.CountAll, Merge: true})
	if err != nil {
		return Manifest{}, err
	}
	defer stream.Close()
	var entries []schema.LogEntry
	for {
		batch, err := stream.Next(ctx)
		entries = append(entries, batch...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, err
		}
	}
	return s.Export(ctx, rec, entries)
}

// Export writes entries as the archive of rec, replacing an earlier one.
func (s *Store) Export(ctx context.Context, rec schema.Recording, entries []schema.LogEntry) (Manifest, error) {
	if err := schema.ValidateRecordingID(rec.ID); err != nil {
		return Manifest{}, err
	}
	log := s.log.With("recording", rec.ID)
	var frames bytes.Buffer
	enc := encMode.NewEncoder(&frames)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return Manifest{}, fmt.Errorf("encode entry %s: %w", entry.Cursor, err)
		}
	}
	sum := blake3.Sum256(frames.Bytes())
	manifest := Manifest{
		ID:       rec.ID,
		User:     rec.User,
		Start:    rec.Start,
		End:      rec.End,
		Count:    len(entries),
		Digest:   hex.EncodeToString(sum[:]),
		Exported: s.now().UnixMilli(),
		Host:     rec.Hostname,
	}
	header, err := encMode.Marshal(manifest)
	if err != nil {
		return Manifest{}, err
	}
	material, root, err := s.materialFor(rec.ID, true)
	if err != nil {
		log.Warn("archive export failed", "err", err)
		return Manifest{}, err
	}

	tmp, err := os.CreateTemp(s.dir, "."+string(rec.ID)+"-*"+Ext)
	if err != nil {
		return Manifest{}, err
	}
	tmpPath := tmp.Name()
	fail := func(err error) (Manifest, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		log.Warn("archive export failed", "err", err)
		return Manifest{}, err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	if err := writeHeader(tmp, header); err != nil {
		return fail(err)
	}
	// The sealing writer closes a dst that is an io.Closer; tmp is closed here.
	sealed, err := kryptograf.New(root).EncryptWriter(struct{ io.Writer }{tmp}, material)
	if err != nil {
		return fail(err)
	}
	zw, err := zstd.NewWriter(sealed, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = sealed.Close()
		return fail(err)
	}
	if _, err := io.Copy(zw, &frames); err != nil {
		_ = zw.Close()
		_ = sealed.Close()
		return fail(err)
	}
	if err := zw.Close(); err != nil {
		_ = sealed.Close()
		return fail(err)
	}
	if err := sealed.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Manifest{}, err
	}
	if err := os.Rename(tmpPath, s.Path(rec.ID)); err != nil {
		_ = os.Remove(tmpPath)
		return Manifest{}, err
	}
	log.Info("archive export ok", "entries", manifest.Count, "digest", manifest.Digest)
	return manifest, nil
}

// Import reads and verifies the archive at path.
func (s *Store) Import(ctx context.Context, path string) (Manifest, []schema.LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return Manifest{}, nil, err
	}
	defer func() { _ = file.Close() }()
	br := bufio.NewReader(file)
	manifest, err := readHeader(br)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	log := s.log.With("recording", manifest.ID)
	material, root, err := s.materialFor(manifest.ID, false)
	if err != nil {
		log.Warn("archive import failed", "err", err)
		return Manifest{}, nil, err
	}
	plain, err := kryptograf.New(root).DecryptReader(br, material)
	if err != nil {
		log.Warn("archive import failed", "err", err)
		return Manifest{}, nil, err
	}
	defer func() { _ = plain.Close() }()
	zr, err := zstd.NewReader(plain)
	if err != nil {
		return Manifest{}, nil, err
	}
	defer zr.Close()
	frames, err := io.ReadAll(zr)
	if err != nil {
		log.Warn("archive import failed", "err", err)
		return Manifest{}, nil, err
	}
	sum := blake3.Sum256(frames)
	if hex.EncodeToString(sum[:]) != manifest.Digest {
		log.Warn("archive import failed", "err", ErrDigestMismatch)
		return Manifest{}, nil, ErrDigestMismatch
	}
	dec := decMode.NewDecoder(bytes.NewReader(frames))
	entries := make([]schema.LogEntry, 0, manifest.Count)
	for {
		if err := ctx.Err(); err != nil {
			return Manifest{}, nil, err
		}
		var entry schema.LogEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("decode entry %d: %w", len(entries), err)
		}
		entries = append(entries, entry)
	}
	if len(entries) != manifest.Count {
		return Manifest{}, nil, fmt.Errorf("%w: %d entries, manifest says %d", ErrDigestMismatch, len(entries), manifest.Count)
	}
	log.Debug("archive import ok", "entries", len(entries))
	return manifest, entries, nil
}

// Load imports the archive of one recording.
func (s *Store) Load(ctx context.Context, id schema.RecordingID) (Manifest, []schema.LogEntry, error) {
	if err := schema.ValidateRecordingID(id); err != nil {
		return Manifest{}, nil, err
	}
	return s.Import(ctx, s.Path(id))
}

// List returns the manifests of every archive, oldest recording first.
func (s *Store) List() ([]Manifest, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Ext) {
			continue
		}
		m, err := ReadManifest(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("archive manifest unreadable", "file", name, "err", err)
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// ReadManifest reads only the clear-text header of an archive.
func ReadManifest(path string) (Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer func() { _ = file.Close() }()
	return readHeader(bufio.NewReader(file))
}

func writeHeader(w io.Writer, manifest []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(manifest)))
	for _, part := range [][]byte{magic, size[:], manifest} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r io.Reader) (Manifest, error) {
	head := make([]byte, len(magic)+4)
	if _, err := io.ReadFull(r, head); err != nil {
		return Manifest{}, ErrNotArchive
	}
	if !bytes.Equal(head[:len(magic)], magic) {
		return Manifest{}, ErrNotArchive
	}
	size := binary.BigEndian.Uint32(head[len(magic):])
	if size == 0 || size > maxManifest {
		return Manifest{}, fmt.Errorf("%w: manifest size %d", ErrNotArchive, size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	var m Manifest
	if err := decMode.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	if err := schema.ValidateRecordingID(m.ID); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	return m, nil
}
