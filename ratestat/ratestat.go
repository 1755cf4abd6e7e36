// Package ratestat tracks per-peer upload/download rates (component Q),
// averaged over a short rolling window the same way the teacher's stats
// package does: a ring buffer of per-tick byte counts reduced with
// golang-underscore.
package ratestat

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// Window is the number of ticks averaged over.
const Window = 10

// PeerRate holds one peer's rolling upload/download rate.
type PeerRate struct {
	UploadRate   int64
	DownloadRate int64

	currentUpload   int64
	currentDownload int64
	uploadActivity  [Window]int64
	downloadActivity [Window]int64
	i int
}

// Tracker holds a PeerRate per peer id for one torrent.
type Tracker struct {
	mu    sync.Mutex
	peers map[string]*PeerRate
}

// New builds an empty rate tracker.
func New() *Tracker {
	return &Tracker{peers: make(map[string]*PeerRate)}
}

// AddUpload and AddDownload accumulate bytes transferred with peerID since
// the last Tick. Peer sessions do not call them; a Tracker only holds
// what its own callers add.
func (t *Tracker) AddUpload(peerID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peer(peerID).currentUpload += n
}

func (t *Tracker) AddDownload(peerID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peer(peerID).currentDownload += n
}

func (t *Tracker) peer(peerID string) *PeerRate {
	p, ok := t.peers[peerID]
	if !ok {
		p = &PeerRate{}
		t.peers[peerID] = p
	}
	return p
}

func sumReduce(acc int64, x int64, _ int) int64 {
	return acc + x
}

// Tick folds this period's accumulated bytes into the rolling window and
// recomputes every peer's UploadRate/DownloadRate. Called by the choke
// policy (4.O) on its own interval, the same cadence the teacher's choke
// loop drove GetPeerStats with.
func (t *Tracker) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.uploadActivity[p.i] = p.currentUpload
		p.downloadActivity[p.i] = p.currentDownload
		underscore.Chain(p.uploadActivity).Reduce(int64(0), sumReduce).Value(&p.UploadRate)
		p.UploadRate /= Window
		underscore.Chain(p.downloadActivity).Reduce(int64(0), sumReduce).Value(&p.DownloadRate)
		p.DownloadRate /= Window
		p.i = (p.i + 1) % Window
		p.currentUpload = 0
		p.currentDownload = 0
	}
}

// Rates returns a snapshot of every tracked peer's current rates.
func (t *Tracker) Rates() map[string]PeerRate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]PeerRate, len(t.peers))
	for id, p := range t.peers {
		out[id] = *p
	}
	return out
}

// Remove drops a disconnected peer's rate-tracking state.
func (t *Tracker) Remove(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}
