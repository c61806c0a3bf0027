package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardpeer/perr"
)

// Store is the adapter contract a shard store must satisfy: put/get/peek/del/keys/
// size/open/close plus stream constructors over the underlying file store.
type Store interface {
	Put(hash string, it *Item) error
	Get(hash string) (*Item, io.ReadCloser, error)
	Peek(hash string) (*Item, error)
	Del(hash string) error
	Keys() []string
	Size() (int64, error)
	Open() error
	Close() error
	CreateReadStream(hash string) (io.ReadCloser, error)
	CreateWriteStream(hash string) (io.WriteCloser, error)
}

// FileStore is a directory-backed implementation: one shard-bytes file per
// hash under dir, plus an in-memory index of Item metadata. Writes go to a
// temp file and are renamed into place, so a crash mid-write leaves the
// prior shard (or nothing) rather than a half-written one — the atomicity
// invariant a shard store must hold.
type FileStore struct {
	mu    sync.RWMutex
	dir   string
	log   *logrus.Entry
	items map[string]*Item
}

// NewFileStore wires a directory-backed store rooted at dir.
func NewFileStore(dir string, log *logrus.Logger) (*FileStore, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir: %w", err)
	}
	return &FileStore{
		dir:   dir,
		log:   log.WithField("component", "storage"),
		items: make(map[string]*Item),
	}, nil
}

func (fs *FileStore) Open() error  { return nil }
func (fs *FileStore) Close() error { return nil }

func (fs *FileStore) shardPath(hash string) string {
	return filepath.Join(fs.dir, hash)
}

// Put installs or replaces the metadata record for hash. It does not touch
// shard bytes; CreateWriteStream handles those independently so metadata and
// shard writes can be sequenced by the caller (CONSIGN installs the tree
// before the shard stream opens).
func (fs *FileStore) Put(hash string, it *Item) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.items[hash] = it
	return nil
}

// Get returns the item and, if shard bytes are present, an open read stream
// for them. The caller must close the stream.
func (fs *FileStore) Get(hash string) (*Item, io.ReadCloser, error) {
	fs.mu.RLock()
	it, ok := fs.items[hash]
	fs.mu.RUnlock()
	if !ok {
		return nil, nil, perr.Wrap(perr.ErrInvalidOperation, "storage: unknown hash")
	}
	if !it.HasShard() {
		return it, nil, nil
	}
	f, err := os.Open(fs.shardPath(hash))
	if err != nil {
		return it, nil, fmt.Errorf("storage: open shard: %w", err)
	}
	return it, f, nil
}

// Peek returns metadata only, with no shard stream opened.
func (fs *FileStore) Peek(hash string) (*Item, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	it, ok := fs.items[hash]
	if !ok {
		return nil, perr.Wrap(perr.ErrInvalidOperation, "storage: unknown hash")
	}
	return it, nil
}

// Del removes both the metadata record and any shard bytes on disk.
func (fs *FileStore) Del(hash string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.items, hash)
	if err := os.Remove(fs.shardPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove shard: %w", err)
	}
	return nil
}

// Keys returns every hash currently tracked.
func (fs *FileStore) Keys() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]string, 0, len(fs.items))
	for k := range fs.items {
		out = append(out, k)
	}
	return out
}

// Size returns the total bytes occupied by shard files on disk.
func (fs *FileStore) Size() (int64, error) {
	var total int64
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// CreateReadStream opens the shard bytes for hash for reading.
func (fs *FileStore) CreateReadStream(hash string) (io.ReadCloser, error) {
	f, err := os.Open(fs.shardPath(hash))
	if err != nil {
		return nil, fmt.Errorf("storage: open read stream: %w", err)
	}
	return f, nil
}

// atomicWriteCloser buffers a shard write to a temp file and renames it into
// place on Close, so a crash mid-write never leaves a partial shard file
// under its real name.
type atomicWriteCloser struct {
	tmp       *os.File
	finalPath string
	fs        *FileStore
	hash      string
}

func (w *atomicWriteCloser) Write(p []byte) (int, error) { return w.tmp.Write(p) }

func (w *atomicWriteCloser) Close() error {
	if err := w.tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.tmp.Name(), w.finalPath); err != nil {
		return fmt.Errorf("storage: finalize shard: %w", err)
	}
	if it, err := w.fs.Peek(w.hash); err == nil {
		it.MarkShardPresent()
	}
	return nil
}

// Abort discards a write in progress: the temp file is removed rather than
// renamed into place, so a failed upload (size exceeded, hash mismatch)
// never leaves a shard under its real name. Callers that hold a Store
// through the plain io.WriteCloser interface can type-assert for this.
func (w *atomicWriteCloser) Abort() error {
	_ = w.tmp.Close()
	return os.Remove(w.tmp.Name())
}

// CreateWriteStream opens a new shard write for hash. The write is atomic:
// bytes land in a temp file first and are renamed into place only once the
// stream is closed successfully.
func (fs *FileStore) CreateWriteStream(hash string) (io.WriteCloser, error) {
	tmp, err := os.CreateTemp(fs.dir, hash+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("storage: create temp shard: %w", err)
	}
	return &atomicWriteCloser{tmp: tmp, finalPath: fs.shardPath(hash), fs: fs, hash: hash}, nil
}

// Reaper periodically destroys items whose every contract has expired,
// reclaiming both the metadata record and the shard bytes on disk.
type Reaper struct {
	store    *FileStore
	interval time.Duration
	log      *logrus.Entry

	closing chan struct{}
	once    sync.Once
}

// NewReaper wires a sweep over store firing every interval (the configured
// CLEAN_INTERVAL).
func NewReaper(store *FileStore, interval time.Duration, log *logrus.Logger) *Reaper {
	if log == nil {
		log = logrus.New()
	}
	return &Reaper{
		store:    store,
		interval: interval,
		log:      log.WithField("component", "storage-reaper"),
		closing:  make(chan struct{}),
	}
}

// Run blocks sweeping on interval until Stop is called.
func (r *Reaper) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.closing:
			return
		}
	}
}

func (r *Reaper) sweep() {
	now := time.Now()
	for _, hash := range r.store.Keys() {
		it, err := r.store.Peek(hash)
		if err != nil {
			continue
		}
		if it.Expired(now) {
			if err := r.store.Del(hash); err != nil {
				r.log.WithError(err).WithField("hash", hash).Warn("reaper: failed to delete expired item")
				continue
			}
			r.log.WithField("hash", hash).Debug("reaper: destroyed expired item")
		}
	}
}

// Stop ends the sweep loop; safe to call multiple times.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.closing) })
}
