package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

type fileRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

// FileLocker uses exclusive file creation. A lock older than its TTL is taken over.
type FileLocker struct {
	dir  string
	opts Options
	now  func() time.Time
}

func NewFileLocker(dir string, opts Options) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{dir: dir, opts: opts.withDefaults(), now: time.Now}, nil
}

func (f *FileLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	path := filepath.Join(f.dir, name+".lock")
	owner := newOwner()
	return poll(ctx, f.opts, func() (Lease, bool, error) {
		return f.try(path, owner)
	})
}

func (f *FileLocker) try(path, owner string) (Lease, bool, error) {
	lease, ok, err := f.create(path, owner)
	if ok || err != nil {
		return lease, ok, err
	}
	removed, err := f.breakStale(path)
	if err != nil || !removed {
		return nil, false, err
	}
	return f.create(path, owner)
}

func (f *FileLocker) create(path, owner string) (Lease, bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create lock file: %w", err)
	}
	rec := fileRecord{Owner: owner, AcquiredAt: f.now().UTC(), TTLSeconds: f.opts.TTL.Seconds()}
	werr := json.NewEncoder(file).Encode(rec)
	cerr := file.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		return nil, false, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
	}
	return &fileLease{path: path, owner: owner}, true, nil
}

// breakStale removes an expired lock file. Contenders serialize on a
// ".takeover" sidecar and re-check staleness while holding it, so a fresh
// lock written by a faster contender is never removed.
func (f *FileLocker) breakStale(path string) (bool, error) {
	if !f.stale(path) {
		return false, nil
	}
	sidecar := path + ".takeover"
	g, err := os.OpenFile(sidecar, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		f.clearAbandoned(sidecar)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create takeover marker: %w", err)
	}
	g.Close()
	defer os.Remove(sidecar)

	if !f.stale(path) {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove stale lock: %w", err)
	}
	return true, nil
}

// clearAbandoned drops a takeover marker left behind by a process that died
// while holding it.
func (f *FileLocker) clearAbandoned(sidecar string) {
	info, err := os.Stat(sidecar)
	if err == nil && f.now().Sub(info.ModTime()) > f.opts.TTL {
		os.Remove(sidecar)
	}
}

// stale reports whether the holder's TTL has passed. An unreadable record
// falls back to the file's modification time.
func (f *FileLocker) stale(path string) bool {
	now := f.now()
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err == nil && !rec.AcquiredAt.IsZero() {
		ttl := time.Duration(rec.TTLSeconds * float64(time.Second))
		return now.Sub(rec.AcquiredAt) > ttl
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > f.opts.TTL
}

type fileLease struct {
	path  string
	owner string
}

func (l *fileLease) Owner() string { return l.owner }

// Release removes the lock file only if this lease still owns it.
func (l *fileLease) Release(context.Context) error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Owner != l.owner {
		return ErrLockLost
	}
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
