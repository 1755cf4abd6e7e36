// Command peerengine wires a single torrent's file-directory, chunk
// registry, committer, coordinator, peer registry, and listener together
// and runs until interrupted.
package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kvashee/peerengine/choke"
	"github.com/kvashee/peerengine/chunkregistry"
	"github.com/kvashee/peerengine/committer"
	"github.com/kvashee/peerengine/config"
	"github.com/kvashee/peerengine/coordinator"
	"github.com/kvashee/peerengine/filemap"
	"github.com/kvashee/peerengine/peer"
	"github.com/kvashee/peerengine/peerset"
	"github.com/kvashee/peerengine/pieceset"
	"github.com/kvashee/peerengine/ratestat"
	"github.com/kvashee/peerengine/server"
	"github.com/kvashee/peerengine/torrent"
	"github.com/kvashee/peerengine/tracker"
	"github.com/kvashee/peerengine/wire"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.TorrentFile == "" {
		fmt.Fprintln(os.Stderr, "usage: peerengine [flags] <torrent-file>")
		os.Exit(2)
	}

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("peerengine exited with error")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	f, err := os.Open(cfg.TorrentFile)
	if err != nil {
		return err
	}
	defer f.Close()

	t, err := torrent.New(f)
	if err != nil {
		return err
	}
	log = log.With().Str("torrent_id", fmt.Sprintf("%x", t.InfoHash[:4])).Logger()

	fs := afero.NewOsFs()
	var fileSizes []int64
	var entries []filemap.FileEntry
	for _, fe := range t.Files() {
		fileSizes = append(fileSizes, fe.Length)
		entries = append(entries, filemap.FileEntry{Path: fe.Path, Size: fe.Length})
	}
	pm, err := filemap.Build(t.MetaInfo.Info.PieceLength, fileSizes)
	if err != nil {
		return err
	}

	dir, err := filemap.New(fs, cfg.DownloadDir, t.MetaInfo.Info.Name, entries, cfg.MaxOpenHandles, log)
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := dir.Preallocate(); err != nil {
		return err
	}

	registry := chunkregistry.New(t.NumPieces, pm.PieceLength, cfg.ChunkSize)
	bitfield := pieceset.New(t.NumPieces)
	peers := peerset.New(t.InfoHash, log)

	commit := committer.New(pm, dir, t.PieceHash, registry, bitfield, peers, log)
	coord := coordinator.New(t, bitfield, registry, commit, peers, log)

	localPeerID := newPeerID()
	store := &chunkStore{pm: pm, dir: dir}
	rates := ratestat.New()

	deps := func() peer.Deps {
		return peer.Deps{
			NumPieces:     t.NumPieces,
			OurBitfield:   func() *pieceset.Set { return coord.Bitfield() },
			Registry:      registry,
			Store:         store,
			Choke:         chokeAdapter{},
			Registrar:     peers,
			Coordinator:   coord,
			LowWatermark:  cfg.LowWatermark,
			HighWatermark: cfg.HighWatermark,
			Log:           log,
		}
	}

	handler := func(addr string, conn net.Conn, remote wire.Handshake) {
		if remote.InfoHash != t.InfoHash {
			log.Warn().Str("peer", addr).Msg("inbound handshake for unknown info_hash rejected")
			conn.Close()
			return
		}
		s, err := peer.Inbound(addr, conn, cfg.HandshakeTimeout, remote, localPeerID, deps())
		if err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("inbound handshake failed")
			return
		}
		if err := peers.AddSession(s); err != nil {
			log.Info().Str("peer", addr).Msg("duplicate connection rejected")
			s.Close()
			return
		}
		go s.Run()
	}

	srv, err := server.Listen(cfg.ListenPort, cfg.HandshakeTimeout, handler, log)
	if err != nil {
		return err
	}
	defer srv.Close()
	go srv.Serve()
	log.Info().Int("port", srv.Port()).Msg("listening for peers")

	policy := choke.New(rates, func() []choke.PeerView {
		sessions := peers.Sessions()
		views := make([]choke.PeerView, 0, len(sessions))
		for _, s := range sessions {
			if v, ok := s.(choke.PeerView); ok {
				views = append(views, v)
			}
		}
		return views
	}, coord.IsSeeding, log)
	go policy.Run(10 * time.Second)
	defer policy.Stop()

	trackerClient := tracker.NewHTTP()
	go announceLoop(trackerClient, t, localPeerID, srv.Port(), coord, peers, cfg, deps, log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	peers.CloseAll()
	return nil
}

func announceLoop(c tracker.Client, t *torrent.Torrent, peerID [20]byte, port int, coord *coordinator.Coordinator, peers *peerset.Registry, cfg config.Config, deps func() peer.Deps, log zerolog.Logger) {
	event := tracker.Started
	for {
		addrs, err := c.Announce(t.MetaInfo.Announce, t.InfoHash, peerID, port, coord.Uploaded(), coord.Downloaded(), coord.Left(), event)
		if err != nil {
			log.Warn().Err(err).Msg("tracker announce failed")
		} else {
			log.Info().Int("peers", len(addrs)).Msg("tracker announce succeeded")
			for _, a := range addrs {
				if peers.IsBad(a.String()) {
					continue
				}
				go dialPeer(a.String(), t.InfoHash, peerID, cfg.HandshakeTimeout, peers, deps, log)
			}
		}
		event = tracker.None
		time.Sleep(30 * time.Minute)
	}
}

func dialPeer(addr string, infoHash, localPeerID [20]byte, handshakeTimeout time.Duration, peers *peerset.Registry, deps func() peer.Deps, log zerolog.Logger) {
	s, err := peer.Outbound(addr, infoHash, localPeerID, handshakeTimeout, deps())
	if err != nil {
		log.Debug().Err(err).Str("peer", addr).Msg("outbound connect failed")
		peers.MarkBad(addr)
		return
	}
	if err := peers.AddSession(s); err != nil {
		s.Close()
		return
	}
	s.Run()
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:8], []byte("-PE0001-"))
	buf := &bytes.Buffer{}
	for buf.Len() < 12 {
		buf.WriteByte(byte(rand.Intn(256)))
	}
	copy(id[8:], buf.Bytes())
	return id
}

// chunkStore adapts the file-directory and piece map to peer.Store.
type chunkStore struct {
	pm  *filemap.PieceMap
	dir *filemap.Directory
}

func (c *chunkStore) ReadChunk(piece int, offset, length int64) ([]byte, error) {
	spans, err := c.pm.ChunkSpans(piece, offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for _, sp := range spans {
		data, err := c.dir.ReadSpan(sp)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func (c *chunkStore) WriteChunk(piece int, offset int64, data []byte) error {
	spans, err := c.pm.ChunkSpans(piece, offset, int64(len(data)))
	if err != nil {
		return err
	}
	pos := int64(0)
	for _, sp := range spans {
		if err := c.dir.WriteSpan(sp, data[pos:pos+sp.Length]); err != nil {
			return err
		}
		pos += sp.Length
	}
	return nil
}

// chokeAdapter satisfies peer.ChokePolicy; interest changes are observed by
// the choke policy directly from each session's RemoteInterested(), so this
// is currently a no-op hook reserved for future rate-driven nudges.
type chokeAdapter struct{}

func (chokeAdapter) PeerInterested(peerID string, interested bool) {}
