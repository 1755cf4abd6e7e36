// Package fileworker implements the per-file actor (component C): a
// single-threaded mailbox guarding exactly one open file handle, exposing
// read/write/allocate/open/close to the file-directory.
package fileworker

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

type opKind int

const (
	opOpen opKind = iota
	opClose
	opRead
	opWrite
	opAllocate
	opStop
)

type command struct {
	op     opKind
	offset int64
	size   int64
	data   []byte
	length int
	resp   chan result
}

type result struct {
	data []byte
	err  error
}

// Worker owns exactly one afero.File handle for Path at a time. All state
// transitions happen on the run loop goroutine; public methods only send
// commands and block on the response, so the worker behaves as a classic
// Go channel-actor with a single-threaded mailbox.
type Worker struct {
	Path string

	fs      afero.Fs
	cmds    chan command
	stopped chan struct{}
	once    sync.Once

	file afero.File
}

// New spawns the actor goroutine for path on fs. The worker starts closed;
// callers must call Open before Read/Write/Allocate.
func New(fs afero.Fs, path string) *Worker {
	w := &Worker{
		Path:    path,
		fs:      fs,
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.stopped)
	for cmd := range w.cmds {
		switch cmd.op {
		case opOpen:
			cmd.resp <- result{err: w.open()}
		case opClose:
			cmd.resp <- result{err: w.close()}
		case opRead:
			data, err := w.read(cmd.offset, cmd.length)
			cmd.resp <- result{data: data, err: err}
		case opWrite:
			cmd.resp <- result{err: w.write(cmd.offset, cmd.data)}
		case opAllocate:
			cmd.resp <- result{err: w.allocate(cmd.size)}
		case opStop:
			w.close()
			cmd.resp <- result{}
			return
		}
	}
}

func (w *Worker) send(cmd command) result {
	cmd.resp = make(chan result, 1)
	w.cmds <- cmd
	return <-cmd.resp
}

// Open ensures the underlying file handle is open. It is a no-op if already
// open: exactly one handle per worker at a time.
func (w *Worker) Open() error {
	return w.send(command{op: opOpen}).err
}

// Close releases the underlying handle, if any.
func (w *Worker) Close() error {
	return w.send(command{op: opClose}).err
}

// Stop closes the handle and shuts down the actor goroutine. The worker
// must not be used afterwards.
func (w *Worker) Stop() {
	w.once.Do(func() {
		w.send(command{op: opStop})
		close(w.cmds)
	})
}

// Read returns length bytes starting at offset.
func (w *Worker) Read(offset int64, length int) ([]byte, error) {
	r := w.send(command{op: opRead, offset: offset, length: length})
	return r.data, r.err
}

// Write writes data at offset.
func (w *Worker) Write(offset int64, data []byte) error {
	return w.send(command{op: opWrite, offset: offset, data: data}).err
}

// Allocate extends the file to size n, zero-filling any new bytes.
func (w *Worker) Allocate(n int64) error {
	return w.send(command{op: opAllocate, size: n}).err
}

func (w *Worker) open() error {
	if w.file != nil {
		return nil
	}
	f, err := w.fs.OpenFile(w.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "fileworker: open %s", w.Path)
	}
	w.file = f
	return nil
}

func (w *Worker) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return errors.Wrapf(err, "fileworker: close %s", w.Path)
	}
	return nil
}

func (w *Worker) read(offset int64, length int) ([]byte, error) {
	if w.file == nil {
		return nil, errors.Errorf("fileworker: %s not open", w.Path)
	}
	buf := make([]byte, length)
	n, err := w.file.ReadAt(buf, offset)
	if err != nil {
		return nil, errors.Wrapf(err, "fileworker: read %s at %d", w.Path, offset)
	}
	return buf[:n], nil
}

func (w *Worker) write(offset int64, data []byte) error {
	if w.file == nil {
		return errors.Errorf("fileworker: %s not open", w.Path)
	}
	if _, err := w.file.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "fileworker: write %s at %d", w.Path, offset)
	}
	return nil
}

func (w *Worker) allocate(n int64) error {
	if w.file == nil {
		return errors.Errorf("fileworker: %s not open", w.Path)
	}
	if err := w.file.Truncate(n); err != nil {
		return errors.Wrapf(err, "fileworker: allocate %s to %d", w.Path, n)
	}
	return nil
}
