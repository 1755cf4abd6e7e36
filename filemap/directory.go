package filemap

import (
	"container/list"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kvashee/peerengine/fileworker"
)

// FileEntry describes one file of the torrent's layout on disk.
type FileEntry struct {
	// Path is relative to the download directory, e.g. "sub/name2".
	Path []string
	Size int64
}

// Directory owns every per-file worker for one torrent and bounds the
// number of simultaneously open handles to MaxOpen via an LRU: the worker
// at the back of lru is the least recently used.
type Directory struct {
	mu sync.Mutex

	fs      afero.Fs
	root    string
	entries []FileEntry
	workers []*fileworker.Worker

	MaxOpen int
	lru     *list.List
	lruElem map[int]*list.Element

	log zerolog.Logger
}

// New creates a file-directory rooted at root (the download directory) for
// a single- or multi-file torrent layout. Pass name as the torrent's
// display name. When entries has more than one element, every entry path
// is placed under root/name/...; a lone entry is placed at root/<its path>,
// which is root/name for a single-file torrent (whose one entry path is its
// name). A multi-file torrent listing only one file is therefore not placed
// under root/name.
func New(fs afero.Fs, root, name string, entries []FileEntry, maxOpen int, log zerolog.Logger) (*Directory, error) {
	if maxOpen <= 0 {
		maxOpen = 1
	}
	d := &Directory{
		fs:      fs,
		root:    root,
		entries: entries,
		workers: make([]*fileworker.Worker, len(entries)),
		MaxOpen: maxOpen,
		lru:     list.New(),
		lruElem: make(map[int]*list.Element),
		log:     log,
	}
	multi := len(entries) > 1
	for i, e := range entries {
		path := d.resolvePath(name, e.Path, multi)
		if dir := filepath.Dir(path); dir != "." {
			if err := fs.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrapf(err, "filemap: mkdir %s", dir)
			}
		}
		d.workers[i] = fileworker.New(fs, path)
	}
	return d, nil
}

func (d *Directory) resolvePath(name string, relPath []string, multi bool) string {
	if multi {
		parts := append([]string{d.root, name}, relPath...)
		return filepath.Join(parts...)
	}
	return filepath.Join(d.root, strings.Join(relPath, string(filepath.Separator)))
}

// Preallocate zero-fills every file to its expected size, per §6: files are
// pre-allocated before downloading begins.
func (d *Directory) Preallocate() error {
	for i, e := range d.entries {
		w, err := d.ScheduleIO(i)
		if err != nil {
			return err
		}
		if err := w.Allocate(e.Size); err != nil {
			return errors.Wrapf(err, "filemap: preallocate file %d", i)
		}
	}
	return nil
}

// ScheduleIO ensures file i's worker has an open handle, evicting the
// least-recently-used worker if opening this one would exceed MaxOpen. The
// protocol is asynchronous: more than MaxOpen handles may transiently
// exist, but steady-state usage converges to at most MaxOpen.
func (d *Directory) ScheduleIO(i int) (*fileworker.Worker, error) {
	d.mu.Lock()
	if i < 0 || i >= len(d.workers) {
		d.mu.Unlock()
		return nil, errors.Errorf("filemap: file index %d out of range", i)
	}
	w := d.workers[i]

	if elem, ok := d.lruElem[i]; ok {
		d.lru.MoveToFront(elem)
		d.mu.Unlock()
		return w, nil
	}

	var evict *fileworker.Worker
	var evictIdx int
	if d.lru.Len() >= d.MaxOpen {
		back := d.lru.Back()
		evictIdx = back.Value.(int)
		evict = d.workers[evictIdx]
		d.lru.Remove(back)
		delete(d.lruElem, evictIdx)
	}
	elem := d.lru.PushFront(i)
	d.lruElem[i] = elem
	d.mu.Unlock()

	if evict != nil {
		if err := evict.Close(); err != nil {
			d.log.Warn().Err(err).Int("file", evictIdx).Msg("lru eviction close failed")
		}
	}
	if err := w.Open(); err != nil {
		d.mu.Lock()
		if elem, ok := d.lruElem[i]; ok {
			d.lru.Remove(elem)
			delete(d.lruElem, i)
		}
		d.mu.Unlock()
		return nil, err
	}
	return w, nil
}

// OpenCount returns the number of workers currently tracked as open by the
// LRU; used by tests to assert steady-state convergence.
func (d *Directory) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Len()
}

// Worker returns file i's worker without affecting LRU order.
func (d *Directory) Worker(i int) *fileworker.Worker {
	return d.workers[i]
}

// ReadSpan reads sp.Length bytes at sp.Offset from sp.File, opening (and
// possibly evicting another handle for) that file's worker first.
func (d *Directory) ReadSpan(sp Span) ([]byte, error) {
	w, err := d.ScheduleIO(sp.File)
	if err != nil {
		return nil, errors.Wrapf(err, "filemap: read span file %d", sp.File)
	}
	return w.Read(sp.Offset, int(sp.Length))
}

// WriteSpan writes data (len(data) must equal sp.Length) at sp.Offset in
// sp.File, opening (and possibly evicting another handle for) that file's
// worker first.
func (d *Directory) WriteSpan(sp Span, data []byte) error {
	w, err := d.ScheduleIO(sp.File)
	if err != nil {
		return errors.Wrapf(err, "filemap: write span file %d", sp.File)
	}
	return w.Write(sp.Offset, data)
}

// Close stops every worker goroutine.
func (d *Directory) Close() {
	for _, w := range d.workers {
		w.Stop()
	}
}
