// Package session owns the tracker client, the piece store, the
// scheduler, and every peer connection, and drives them from a single
// event loop: peer.Conn's reader/writer goroutines are the tasks, this
// loop's select is the readiness mechanism, and the piece store and
// scheduler are touched only from here, so no locking is required on
// either.
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"gorent/bitfield"
	"gorent/errs"
	"gorent/internal/clientid"
	"gorent/metainfo"
	"gorent/peer"
	"gorent/scheduler"
	"gorent/store"
	"gorent/tracker"
)

const blockSize = 16384

// Options configures a session's driver-facing tunables.
type Options struct {
	Port          int
	MaxPeers      int
	PipelineDepth int
	IdleTimeoutS  int
	BlockTimeoutS int
	PeerIDPrefix  string
}

// DefaultOptions returns the standard client defaults.
func DefaultOptions() Options {
	return Options{
		Port:          6881,
		MaxPeers:      50,
		PipelineDepth: 5,
		IdleTimeoutS:  120,
		BlockTimeoutS: 60,
		PeerIDPrefix:  "-GR0001-",
	}
}

type peerSlot struct {
	conn   *peer.Conn
	ready  bool
}

// Session is a single torrent download in progress.
type Session struct {
	t       *metainfo.Torrent
	st      *store.Store
	sched   *scheduler.Scheduler
	trk     *tracker.Client
	backoff *tracker.BackOff
	clk     clock.Clock
	logger  *zap.SugaredLogger
	opts    Options
	localID [20]byte

	peers       map[string]*peerSlot // keyed by dialed addr
	knownAddrs  map[string]bool      // addrs ever seen from the tracker or dialed
	peerEvents  chan peer.Event
	dialResults chan dialResult

	uploaded   int64
	downloaded int64

	// blacklist[piece][addr] drops further blocks from addr for piece
	// after a hash mismatch implicated it.
	blacklist map[int]map[string]bool
}

type dialResult struct {
	addr string
	conn *peer.Conn
	err  error
}

// Open parses metainfoBytes, opens the piece store under destDir, and
// wires up the scheduler and tracker client. It does not contact the
// network; that happens in RunUntilComplete.
func Open(metainfoBytes []byte, destDir string, opts Options, logger *zap.SugaredLogger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t, err := metainfo.Parse(metainfoBytes)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(t, destDir, logger)
	if err != nil {
		return nil, err
	}
	localID, err := clientid.Generate(opts.PeerIDPrefix)
	if err != nil {
		st.Close()
		return nil, err
	}

	clk := clock.New()
	sched := scheduler.New(clk, scheduler.Options{
		NumPieces:     t.NumPieces(),
		PieceLength:   t.PieceLength,
		BlockSize:     blockSize,
		PipelineDepth: opts.PipelineDepth,
		BlockTimeout:  time.Duration(opts.BlockTimeoutS) * time.Second,
	})

	s := &Session{
		t:           t,
		st:          st,
		sched:       sched,
		trk:         tracker.New(t.Announce, http.DefaultClient, logger),
		backoff:     tracker.NewBackOff(clk, 15*time.Minute),
		clk:         clk,
		logger:      logger,
		opts:        opts,
		localID:     localID,
		peers:       make(map[string]*peerSlot),
		knownAddrs:  make(map[string]bool),
		peerEvents:  make(chan peer.Event, 256),
		dialResults: make(chan dialResult, 64),
		blacklist:   make(map[int]map[string]bool),
	}
	return s, nil
}

// Progress reports (verified pieces, total pieces, verified bytes), the
// figures cmd/gorent's progress line renders.
func (s *Session) Progress() (verified, total int, bytes int64) {
	return s.st.Progress()
}

// Close releases the piece store's file handles and every peer socket.
func (s *Session) Close() error {
	for _, p := range s.peers {
		p.conn.Close()
	}
	return s.st.Close()
}

// RunUntilComplete drives the session's event loop until every piece
// verifies, ctx is cancelled, or a fatal error occurs.
func (s *Session) RunUntilComplete(ctx context.Context) error {
	left := s.remainingBytes()
	announceResp, err := s.announce(ctx, tracker.EventStarted, left)
	if err != nil {
		if left == s.totalBytes() {
			// No peers ever seen and the very first announce failed: fatal
			// per §7 ("tracker errors are ... fatal only if no peers have
			// ever been seen and retries are exhausted before any piece
			// verifies"). A single failed attempt here is as exhausted as
			// this driver gets before returning control to the caller.
			return err
		}
	}
	nextAnnounce := s.clk.After(s.announceInterval(announceResp))
	sweepTicker := s.clk.Ticker(1 * time.Second)
	defer sweepTicker.Stop()

	if announceResp != nil {
		s.dialNewPeers(announceResp.Peers)
	}

	for {
		if !s.sched.NeedsAnything() {
			s.announce(ctx, tracker.EventCompleted, 0)
			s.announce(ctx, tracker.EventStopped, 0)
			return nil
		}
		select {
		case <-ctx.Done():
			s.announce(context.Background(), tracker.EventStopped, s.remainingBytes())
			return &errs.Interrupted{}

		case ev := <-s.peerEvents:
			s.handlePeerEvent(ev)

		case dr := <-s.dialResults:
			s.handleDialResult(dr)

		case <-nextAnnounce:
			resp, err := s.announce(ctx, tracker.EventNone, s.remainingBytes())
			if err == nil {
				s.dialNewPeers(resp.Peers)
			}
			nextAnnounce = s.clk.After(s.announceInterval(resp))

		case <-sweepTicker.C:
			s.sched.SweepExpired()
			s.sweepIdlePeers()
			s.assignRequests()
		}
	}
}

func (s *Session) totalBytes() int64 {
	return s.t.TotalLength
}

func (s *Session) remainingBytes() int64 {
	verified, _, verifiedBytes := s.st.Progress()
	if verified == 0 {
		return s.t.TotalLength
	}
	return s.t.TotalLength - verifiedBytes
}

func (s *Session) announce(ctx context.Context, event tracker.Event, left int64) (*tracker.AnnounceResponse, error) {
	resp, err := s.trk.Announce(ctx, tracker.AnnounceParams{
		InfoHash:   s.t.InfoHash,
		PeerID:     s.localID,
		Port:       s.opts.Port,
		Uploaded:   s.uploaded,
		Downloaded: s.downloaded,
		Left:       left,
		Event:      event,
		NumWant:    s.opts.MaxPeers,
	})
	if err != nil {
		s.logger.Warnw("announce failed", "error", err)
		return nil, err
	}
	if len(resp.Peers) > 0 {
		// A fresh BackOff starts again from its initial interval and is
		// capped at the interval this tracker just reported.
		s.backoff = tracker.NewBackOff(s.clk, time.Duration(resp.Interval)*time.Second)
	}
	return resp, nil
}

// announceInterval decides how long to wait before the next announce: the
// tracker's stated interval, or the backoff schedule when the last
// announce failed or returned zero peers (§9's resolved Open Question).
func (s *Session) announceInterval(resp *tracker.AnnounceResponse) time.Duration {
	if resp == nil || len(resp.Peers) == 0 {
		return s.backoff.Next()
	}
	return time.Duration(resp.Interval) * time.Second
}

func (s *Session) dialNewPeers(addrs []tracker.PeerAddr) {
	for _, a := range addrs {
		addr := a.String()
		if s.knownAddrs[addr] {
			continue
		}
		if len(s.peers) >= s.opts.MaxPeers {
			return
		}
		s.knownAddrs[addr] = true
		go s.dial(addr)
	}
}

func (s *Session) dial(addr string) {
	c, err := peer.Dial(addr, s.t.InfoHash, s.localID, s.t.NumPieces(), 5*time.Second, s.logger)
	s.dialResults <- dialResult{addr: addr, conn: c, err: err}
}

func (s *Session) handleDialResult(dr dialResult) {
	if dr.err != nil {
		s.logger.Debugw("dial failed", "addr", dr.addr, "error", dr.err)
		return
	}
	if len(s.peers) >= s.opts.MaxPeers {
		dr.conn.Close()
		return
	}
	slot := &peerSlot{conn: dr.conn}
	s.peers[dr.addr] = slot
	go s.forwardEvents(dr.conn)
}

func (s *Session) forwardEvents(c *peer.Conn) {
	for ev := range c.Events() {
		s.peerEvents <- ev
	}
}

// handlePeerEvent is the single place that mutates a Conn's protocol
// state (PeerChoking, PeerInterested, RemoteBitfield, LastActivity):
// peer.Conn's readLoop only parses frames and forwards them as Events, so
// every field peer.Conn exposes is written from this one goroutine.
func (s *Session) handlePeerEvent(ev peer.Event) {
	c := ev.Conn
	slot := s.peers[c.Addr()]
	if slot == nil {
		return
	}
	if ev.Kind != peer.EventClosed {
		c.LastActivity = s.clk.Now()
	}
	switch ev.Kind {
	case peer.EventClosed:
		s.onPeerLost(c.Addr())
	case peer.EventChoke:
		c.PeerChoking = true
		// Outstanding requests to this peer are considered cancelled
		// (spec §4.5); the scheduler releases them so they can be
		// reassigned elsewhere.
		releaseAndLog(s, c.Addr())
	case peer.EventUnchoke:
		c.PeerChoking = false
		s.assignRequests()
	case peer.EventInterested:
		c.PeerInterested = true
	case peer.EventNotInterested:
		c.PeerInterested = false
	case peer.EventHave:
		if c.RemoteBitfield == nil {
			c.RemoteBitfield = bitfield.New(c.NumPieces)
		}
		c.RemoteBitfield.Set(ev.Piece)
		s.maybeEnterReady(slot)
		s.updateInterest(slot)
	case peer.EventBitfield:
		c.RemoteBitfield = ev.Bitfield
		s.maybeEnterReady(slot)
		s.updateInterest(slot)
	case peer.EventPiece:
		s.onPieceBlock(c, ev)
	}
}

func releaseAndLog(s *Session, addr string) {
	s.sched.ReleasePeer(addr)
}

func (s *Session) maybeEnterReady(slot *peerSlot) {
	if slot.ready {
		return
	}
	slot.ready = true
	slot.conn.SetState(peer.StateReady)
}

func (s *Session) updateInterest(slot *peerSlot) {
	want := s.sched.HasInterest(slot.conn.RemoteBitfield)
	if want && !slot.conn.AmInterested {
		slot.conn.SendInterested()
	} else if !want && slot.conn.AmInterested {
		slot.conn.SendNotInterested()
	}
}

func (s *Session) onPeerLost(addr string) {
	slot, ok := s.peers[addr]
	if !ok {
		return
	}
	slot.conn.Close()
	s.sched.ReleasePeer(addr)
	delete(s.peers, addr)
}

func (s *Session) onPieceBlock(c *peer.Conn, ev peer.Event) {
	if s.blacklist[ev.Piece][c.Addr()] {
		return
	}
	result, contributors, err := s.st.AcceptBlock(c.Addr(), ev.Piece, ev.Begin, ev.Data)
	s.downloaded += int64(len(ev.Data))
	switch result {
	case store.Accepted:
		s.sched.MarkReceived(ev.Piece, ev.Begin)
	case store.PieceOK:
		s.sched.MarkReceived(ev.Piece, ev.Begin)
		have := s.sched.OnPieceVerified(ev.Piece)
		s.broadcast(have)
	case store.PieceBad:
		s.sched.OnPieceBad(ev.Piece)
		s.logger.Warnw("piece hash mismatch, blacklisting contributors", "piece", ev.Piece, "contributors", contributors, "error", err)
		if s.blacklist[ev.Piece] == nil {
			s.blacklist[ev.Piece] = make(map[string]bool)
		}
		for _, addr := range contributors {
			s.blacklist[ev.Piece][addr] = true
		}
	case store.OutOfRange:
		s.onPeerLost(c.Addr())
	}
	s.assignRequests()
}

func (s *Session) broadcast(raw []byte) {
	for _, p := range s.peers {
		if p.ready {
			p.conn.SendRaw(raw)
		}
	}
}

func (s *Session) assignRequests() {
	views := make([]scheduler.PeerView, 0, len(s.peers))
	byKey := make(map[string]*peer.Conn, len(s.peers))
	for addr, p := range s.peers {
		if !p.ready {
			continue
		}
		views = append(views, scheduler.PeerView{
			Key:      addr,
			Ready:    true,
			Choking:  p.conn.PeerChoking,
			Bitfield: p.conn.RemoteBitfield,
		})
		byKey[addr] = p.conn
	}
	for _, a := range s.sched.Assign(views) {
		if c, ok := byKey[a.PeerKey]; ok {
			c.SendRequest(a.Piece, a.Begin, a.Length)
		}
	}
}

func (s *Session) sweepIdlePeers() {
	idle := time.Duration(s.opts.IdleTimeoutS) * time.Second
	now := s.clk.Now()
	for addr, p := range s.peers {
		if now.Sub(p.conn.LastActivity) > idle {
			s.logger.Infow("closing idle peer", "addr", addr)
			s.onPeerLost(addr)
		}
	}
}
