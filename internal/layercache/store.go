package layercache

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/paths"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"go.trai.ch/zerr"
)

const extension = ".tar.zst"

var (
	ErrMiss    = zerr.New("snapshot not cached")
	ErrKey     = zerr.New("invalid snapshot key")
	ErrStore   = zerr.New("snapshot store failed")
	keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)
)

// A directory of compressed snapshots.
type Store struct {
	dir string
}

// Describes a stored snapshot.
type Entry struct {
	Key     string
	Digest  digest.Digest // Of the uncompressed tar stream.
	Size    int64         // Uncompressed bytes.
	Stored  int64         // Compressed bytes on disk.
	ModTime time.Time
}

// Opens the store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return nil, zerr.With(fault.Wrap(ErrStore, err), "dir", dir)
	}
	return &Store{dir: dir}, nil
}

// Returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Returns true if a snapshot is stored under key.
func (s *Store) Has(key string) bool {
	if validateKey(key) != nil {
		return false
	}
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Opens the snapshot stored under key as an uncompressed tar stream.
//
// Returns [ErrMiss] if nothing is stored under key.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	p := s.path(key)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, zerr.With(fault.Wrap(ErrMiss, err), "key", key)
		}
		return nil, zerr.With(fault.Wrap(ErrStore, err), "key", key)
	}

	now := time.Now()
	_ = os.Chtimes(p, now, now)

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, zerr.With(fault.Wrap(ErrStore, err), "key", key)
	}

	return &reader{dec: dec, file: f}, nil
}

// Stores the tar stream read from r under key.
//
// The entry becomes visible only after r is fully consumed and the data is
// on disk. An existing entry under the same key is replaced.
func (s *Store) Put(key string, r io.Reader) (*Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrStore, err), "key", key)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	entry, err := compress(tmp, r)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, zerr.With(fault.Wrap(ErrStore, err), "key", key)
	}

	if err := os.Chmod(tmpName, paths.DefaultFileMode); err != nil {
		return nil, zerr.With(fault.Wrap(ErrStore, err), "key", key)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return nil, zerr.With(fault.Wrap(ErrStore, err), "key", key)
	}

	entry.Key = key
	entry.ModTime = time.Now()

	slog.Debug("snapshot stored",
		"key", key,
		"digest", entry.Digest,
		"size", units.HumanSize(float64(entry.Size)),
		"stored", units.HumanSize(float64(entry.Stored)),
	)

	return entry, nil
}

// Lists stored snapshots, most recently used first.
func (s *Store) List() ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fault.Wrap(ErrStore, err)
	}

	var entries []Entry
	for _, d := range dirents {
		key, ok := strings.CutSuffix(d.Name(), extension)
		if !ok || d.IsDir() || validateKey(key) != nil {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Key: key, Stored: info.Size(), ModTime: info.ModTime()})
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return b.ModTime.Compare(a.ModTime)
	})
	return entries, nil
}

// Removes all but the keep most recently used snapshots. Returns the number
// of removed entries and the bytes freed.
func (s *Store) Prune(keep int) (int, int64, error) {
	entries, err := s.List()
	if err != nil {
		return 0, 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(entries) <= keep {
		return 0, 0, nil
	}

	var removed int
	var freed int64
	var errs []error
	for _, e := range entries[keep:] {
		if err := os.Remove(s.path(e.Key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, zerr.With(fault.Wrap(ErrStore, err), "key", e.Key))
			continue
		}
		removed++
		freed += e.Stored
	}

	slog.Info("pruned snapshots", "removed", removed, "freed", units.HumanSize(float64(freed)))
	return removed, freed, errors.Join(errs...)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+extension)
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return zerr.With(fault.Wrapf(ErrKey, "%q", key), "key", key)
	}
	return nil
}

// Compresses r into w, digesting the uncompressed stream.
func compress(w io.Writer, r io.Reader) (*Entry, error) {
	counter := &countingWriter{w: w}
	enc, err := zstd.NewWriter(counter)
	if err != nil {
		return nil, err
	}

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(enc, digester.Hash()), r)
	if err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	return &Entry{Digest: digester.Digest(), Size: n, Stored: counter.n}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Closes both the decoder and the underlying file.
type reader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *reader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *reader) Close() error {
	r.dec.Close()
	return r.file.Close()
}
