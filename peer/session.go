// Package peer implements the per-peer BitTorrent wire-protocol state
// machine: handshake, keepalive, choke/interest tracking, and the
// block-request pipeline. A Session never unchokes a remote peer and
// never serves a Request — this is a leech-only build.
package peer

import (
	"net"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/killerbat00/opalescence/errs"
	"github.com/killerbat00/opalescence/piece"
	"github.com/killerbat00/opalescence/storage"
	"github.com/killerbat00/opalescence/wire"
)

// Phase is the session's position in the Dialing -> Handshaking -> Ready
// -> Dropped lifecycle (spec §4.4).
type Phase int

const (
	Dialing Phase = iota
	Handshaking
	Ready
	Dropped
)

// Default policy constants (spec §4.4, §9 Open Question 2: exposed as
// configuration rather than hardcoded so callers can tune them).
const (
	DefaultPipelineDepth = 8
	DefaultPeerTimeout   = 2 * time.Minute
	DefaultDialTimeout   = 10 * time.Second
	// DefaultMaxFrameLen bounds a message frame to a block plus headroom
	// for the Piece message's index/begin prefix.
	DefaultMaxFrameLen = wire.BlockRequestCeiling + 256
)

type blockKey struct {
	index, begin int
}

// Config bundles the pieces shared across every session the coordinator
// spawns.
type Config struct {
	InfoHash      [20]byte
	LocalPeerID   [20]byte
	Pieces        *piece.Map
	Writer        *storage.Writer
	PipelineDepth int
	PeerTimeout   time.Duration
	DialTimeout   time.Duration
	MaxFrameLen   uint32

	// OnPieceVerified is called once per piece that this session helped
	// complete and that passed its SHA-1 check.
	OnPieceVerified func(index int)
	// OnIntegrityFailure is called with the set of peer ids (addresses)
	// that contributed a block to a piece that failed verification, so
	// the coordinator can ban them.
	OnIntegrityFailure func(peers mapset.Set)
}

// Session is the per-peer connection state machine described in spec §4.4.
type Session struct {
	addr string
	cfg  Config

	codec  *wire.Codec
	phase  Phase
	peerID [20]byte

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	peerBits bitmap.Bitmap
	pipeline map[blockKey]piece.Block

	lastRecv time.Time

	closed  chan struct{}
	stopped bool
}

// NewSession constructs a session that will dial addr when Run is called.
func NewSession(addr string, cfg Config) *Session {
	if cfg.PipelineDepth == 0 {
		cfg.PipelineDepth = DefaultPipelineDepth
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxFrameLen == 0 {
		cfg.MaxFrameLen = DefaultMaxFrameLen
	}
	return &Session{
		addr:        addr,
		cfg:         cfg,
		phase:       Dialing,
		amChoking:   true,
		peerChoking: true,
		pipeline:    make(map[blockKey]piece.Block),
		closed:      make(chan struct{}),
	}
}

// ID is the key this session is known by in the piece map and the
// coordinator's peer table: its remote address.
func (s *Session) ID() string { return s.addr }

// Phase reports the session's current lifecycle phase.
func (s *Session) Phase() Phase { return s.phase }

// Run dials addr, performs the handshake, and then drives the message
// loop until a fatal condition or Stop(). It always releases outstanding
// requests and closes the transport before returning (idempotent
// termination, spec §4.4 final paragraph).
func (s *Session) Run() error {
	conn, err := net.DialTimeout("tcp", s.addr, s.cfg.DialTimeout)
	if err != nil {
		return &errs.TransportError{Peer: s.addr, Err: err}
	}
	return s.runConn(conn)
}

// runConn drives the handshake and message loop over an already-open
// connection. Split out from Run so tests can supply a net.Pipe() end
// instead of dialing a real socket.
func (s *Session) runConn(conn net.Conn) error {
	defer s.teardown()

	s.codec = wire.NewCodec(conn, s.cfg.PeerTimeout, s.cfg.MaxFrameLen)

	s.phase = Handshaking
	if err := s.handshake(); err != nil {
		return err
	}

	s.phase = Ready
	if err := s.onReady(); err != nil {
		return err
	}

	go s.keepaliveLoop()

	for {
		select {
		case <-s.closed:
			return nil
		default:
		}
		msg, err := s.codec.ReadMessage()
		if err != nil {
			return err
		}
		s.lastRecv = time.Now()
		if msg == nil {
			continue // keepalive
		}
		if err := s.dispatch(*msg); err != nil {
			return err
		}
	}
}

// Stop requests the session end; Run's loop notices on its next
// iteration or read.
func (s *Session) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.closed)
	if s.codec != nil {
		s.codec.Close()
	}
}

func (s *Session) teardown() {
	s.phase = Dropped
	s.cfg.Pieces.ReleasePeer(s.ID())
	for k := range s.pipeline {
		delete(s.pipeline, k)
	}
	if s.codec != nil {
		s.codec.Close()
	}
}

func (s *Session) handshake() error {
	if err := s.codec.WriteHandshake(wire.Handshake{InfoHash: s.cfg.InfoHash, PeerID: s.cfg.LocalPeerID}); err != nil {
		return err
	}
	hs, err := s.codec.ReadHandshake(s.cfg.InfoHash)
	if err != nil {
		return err
	}
	s.peerID = hs.PeerID
	s.lastRecv = time.Now()
	return nil
}

// onReady sends our bitfield once, per spec policy 1 ("omitted if empty").
func (s *Session) onReady() error {
	bf := s.cfg.Pieces.Bitfield()
	if bitfieldHasAnyBit(bf) {
		return s.codec.WriteMessage(wire.NewBitfield(bf))
	}
	return nil
}

func bitfieldHasAnyBit(bf []byte) bool {
	for _, b := range bf {
		if b != 0 {
			return true
		}
	}
	return false
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if time.Since(s.codec.LastMessageSent()) >= 2*time.Minute {
				if err := s.codec.WriteKeepAlive(); err != nil {
					s.Stop()
					return
				}
			}
		}
	}
}

func (s *Session) dispatch(m wire.Message) error {
	switch m.ID {
	case wire.Choke:
		return s.onChoke()
	case wire.Unchoke:
		return s.onUnchoke()
	case wire.Interested:
		s.peerInterested = true
		return nil
	case wire.NotInterested:
		s.peerInterested = false
		return nil
	case wire.Have:
		return s.onHave(m)
	case wire.Bitfield:
		return s.onBitfield(m)
	case wire.Request:
		return nil // leech-only: accepted and ignored (policy 8)
	case wire.Cancel:
		return nil // leech-only: accepted and ignored (policy 8)
	case wire.Piece:
		return s.onPiece(m)
	default:
		return &errs.ProtocolError{Peer: s.addr, Reason: "unhandled message id"}
	}
}

func (s *Session) onChoke() error {
	if !s.peerChoking {
		s.peerChoking = true
		for k := range s.pipeline {
			delete(s.pipeline, k)
		}
		s.cfg.Pieces.ReleasePeer(s.ID())
	}
	return nil
}

func (s *Session) onUnchoke() error {
	if s.peerChoking {
		s.peerChoking = false
	}
	return s.fillPipeline()
}

func (s *Session) onHave(m wire.Message) error {
	index, err := wire.ParseHave(m)
	if err != nil {
		return &errs.ProtocolError{Peer: s.addr, Reason: err.Error()}
	}
	if index < 0 || index >= s.cfg.Pieces.NumPieces() {
		return &errs.ProtocolError{Peer: s.addr, Reason: "have: piece index out of range"}
	}
	if s.peerBits == nil {
		s.peerBits = bitmap.New(s.cfg.Pieces.NumPieces())
	}
	s.peerBits.Set(index, true)
	return s.reevaluateInterest()
}

func (s *Session) onBitfield(m wire.Message) error {
	bf, err := piece.RegisterPeerBitfield(s.cfg.Pieces.NumPieces(), m.Payload)
	if err != nil {
		return err
	}
	s.peerBits = bf
	return s.reevaluateInterest()
}

// reevaluateInterest implements policy 2: interest is edge-triggered on
// whether the peer advertises anything we still need.
func (s *Session) reevaluateInterest() error {
	wantsSomething := false
	for i := 0; i < s.cfg.Pieces.NumPieces(); i++ {
		if bitmap.Get(s.peerBits, i) && !s.cfg.Pieces.HasPiece(i) {
			wantsSomething = true
			break
		}
	}
	if wantsSomething && !s.amInterested {
		s.amInterested = true
		if err := s.codec.WriteMessage(wire.Message{ID: wire.Interested}); err != nil {
			return err
		}
	} else if !wantsSomething && s.amInterested {
		s.amInterested = false
		if err := s.codec.WriteMessage(wire.Message{ID: wire.NotInterested}); err != nil {
			return err
		}
	}
	return s.fillPipeline()
}

// fillPipeline tops up the outstanding-request pipeline to PipelineDepth
// (policy 3, 4): no requests while peerChoking, and none unless we're
// interested.
func (s *Session) fillPipeline() error {
	if s.peerChoking || !s.amInterested {
		return nil
	}
	for len(s.pipeline) < s.cfg.PipelineDepth {
		blk, ok := s.cfg.Pieces.NextRequest(s.ID(), s.peerBits)
		if !ok {
			return nil
		}
		s.pipeline[blockKey{blk.Index, blk.Begin}] = blk
		if err := s.codec.WriteMessage(wire.NewRequest(blk.Index, blk.Begin, blk.Length)); err != nil {
			return err
		}
	}
	return nil
}

// onPiece implements policy 5 plus Open Question 3: a block that fills a
// currently-Missing block is accepted even outside our own pipeline
// bookkeeping; piece.Map.OnBlock is the source of truth for that.
func (s *Session) onPiece(m wire.Message) error {
	index, begin, block, err := wire.ParsePiece(m)
	if err != nil {
		return &errs.ProtocolError{Peer: s.addr, Reason: err.Error()}
	}
	delete(s.pipeline, blockKey{index, begin})

	ready, err := s.cfg.Pieces.OnBlock(s.ID(), index, begin, block)
	if err != nil {
		return err
	}
	if ready != nil {
		if err := s.verifyAndWrite(*ready); err != nil {
			return err
		}
	}
	return s.fillPipeline()
}

func (s *Session) verifyAndWrite(ready piece.ReadyPiece) error {
	if err := s.cfg.Writer.VerifyAndWrite(ready.Index, ready.Buffer); err != nil {
		peers := s.cfg.Pieces.OnVerifyFailed(ready.Index)
		if _, integrity := err.(*errs.IntegrityError); integrity && s.cfg.OnIntegrityFailure != nil {
			s.cfg.OnIntegrityFailure(peers)
		}
		return err
	}
	s.cfg.Pieces.OnVerified(ready.Index)
	if s.cfg.OnPieceVerified != nil {
		s.cfg.OnPieceVerified(ready.Index)
	}
	return nil
}
