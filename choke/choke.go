// Package choke implements the rate-based tit-for-tat choke policy
// (component O): every interval, rank interested peers by rate, keep the
// fastest downloaders unchoked, optimistically unchoke one newcomer, and
// choke the rest.
package choke

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvashee/peerengine/ratestat"
)

// Downloaders is the number of interested-peer unchoke slots: the fastest
// Downloaders-1 interested peers, plus one slot for the optimistic-unchoke
// newcomer.
const Downloaders = 5

// Session is the subset of a peer session the choke policy drives.
type Session interface {
	ID() string
	SetChoking(choking bool) error
}

// PeerView reports a session's current interest state; satisfied directly
// by *peer.Session, which cmd/peerengine type-asserts to PeerView.
type PeerView interface {
	Session
	RemoteInterested() bool
}

// Policy runs the choke/unchoke decision loop for one torrent.
type Policy struct {
	mu    sync.Mutex
	rates *ratestat.Tracker
	peers func() []PeerView
	// seeding reports whether the local client itself has completed the
	// torrent; when true, ranking uses upload rate instead of download rate.
	seeding func() bool

	log zerolog.Logger

	stop chan struct{}
}

// New builds a choke policy. peers returns a fresh snapshot of the
// currently connected sessions on every tick.
func New(rates *ratestat.Tracker, peers func() []PeerView, seeding func() bool, log zerolog.Logger) *Policy {
	return &Policy{
		rates:   rates,
		peers:   peers,
		seeding: seeding,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Run ticks every interval until Stop is called.
func (p *Policy) Run(interval time.Duration) {
	for {
		select {
		case <-p.stop:
			return
		case <-time.After(interval):
			p.rates.Tick()
			p.tick()
		}
	}
}

// Stop ends the decision loop.
func (p *Policy) Stop() {
	close(p.stop)
}

type ranked struct {
	session PeerView
	speed   int64
}

func (p *Policy) tick() {
	peers := p.peers()
	rates := p.rates.Rates()
	seeding := p.seeding()

	var interested, notInterested []ranked
	for _, s := range peers {
		r := rates[s.ID()]
		speed := r.DownloadRate
		if seeding {
			speed = r.UploadRate
		}
		rk := ranked{session: s, speed: speed}
		if s.RemoteInterested() {
			interested = append(interested, rk)
		} else {
			notInterested = append(notInterested, rk)
		}
	}

	sortBySpeed(interested)
	sortBySpeed(notInterested)

	unchoke := make(map[string]bool)
	speedThreshold := int64(0)
	for i := 0; i < len(interested) && i < Downloaders-1; i++ {
		unchoke[interested[i].session.ID()] = true
		speedThreshold = interested[i].speed
	}
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		unchoke[notInterested[i].session.ID()] = true
	}

	if len(interested) > Downloaders-1 {
		rest := interested[Downloaders-1:]
		rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
		if len(rest) > 0 {
			unchoke[rest[0].session.ID()] = true
		}
	}

	for _, s := range peers {
		choking := !unchoke[s.ID()]
		if err := s.SetChoking(choking); err != nil {
			p.log.Warn().Err(err).Str("peer", s.ID()).Msg("choke policy failed to set choke state")
		}
	}
}

func sortBySpeed(peers []ranked) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].speed > peers[j].speed })
}
