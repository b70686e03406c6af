// Package coordinator owns the peer list, drives the tracker announce
// lifecycle, and fans connections out across peer sessions sharing one
// piece.Map and storage.Writer — the top-level orchestration described
// in spec §5/§6.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/sync/errgroup"

	"github.com/killerbat00/opalescence/errs"
	"github.com/killerbat00/opalescence/peer"
	"github.com/killerbat00/opalescence/piece"
	"github.com/killerbat00/opalescence/progress"
	"github.com/killerbat00/opalescence/stats"
	"github.com/killerbat00/opalescence/storage"
	"github.com/killerbat00/opalescence/torrent"
	"github.com/killerbat00/opalescence/tracker"
)

// Config holds everything the coordinator needs to drive a download to
// completion.
type Config struct {
	Metainfo       *torrent.Metainfo
	Pieces         *piece.Map
	Writer         *storage.Writer
	Stats          *stats.Stats
	Trackers       []tracker.Client
	LocalPeerID    [20]byte
	ListenPort     uint16
	MaxPeers       int
	PipelineDepth  int
	RequestTimeout time.Duration
	Reporter       *progress.Reporter // optional
}

const (
	defaultMaxPeers        = 40
	defaultRequestTimeout  = 30 * time.Second
	reapInterval           = 10 * time.Second
	dialInterval           = 2 * time.Second
	completionPollInterval = 1 * time.Second

	backoffBase = 15 * time.Second
	backoffCap  = 5 * time.Minute
)

type candidate struct {
	nextDialAt time.Time
	failures   int
}

// Coordinator runs the download end to end: tracker announces, peer
// dialing with backoff, timeout reaping, and orderly shutdown.
type Coordinator struct {
	cfg Config

	mu         sync.Mutex
	candidates map[string]*candidate
	sessions   map[string]*peer.Session
	banned     mapset.Set
	cancel     context.CancelFunc
	fatalErr   error
}

// New constructs a Coordinator. cfg.MaxPeers and cfg.RequestTimeout fall
// back to sane defaults when zero.
func New(cfg Config) *Coordinator {
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Coordinator{
		cfg:        cfg,
		candidates: make(map[string]*candidate),
		sessions:   make(map[string]*peer.Session),
		banned:     mapset.NewSet(),
	}
}

// Run drives the download until ctx is canceled or every piece is
// verified, at which point it announces "completed"/"stopped" and
// returns. A non-nil error is either a fatal condition in one of the
// coordinator's own loops or an engine-fatal StorageError raised by a peer
// session (see failFatal); other peer session errors are not returned.
func (c *Coordinator) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.trackerLoop(gctx) })
	g.Go(func() error { return c.reaperLoop(gctx) })
	g.Go(func() error { return c.dialLoop(gctx) })
	g.Go(func() error { return c.watchCompletion(gctx, cancel) })

	err := g.Wait()
	c.shutdown()
	if len(c.cfg.Trackers) > 0 {
		if _, annErr := c.announce(context.Background(), tracker.Stopped); annErr != nil {
			log.Printf("tracker stopped-announce failed: %v", annErr)
		}
	}

	c.mu.Lock()
	fatal := c.fatalErr
	c.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	return err
}

// failFatal records the first engine-fatal session error and cancels the
// run, the way a StorageError (disk full, permission denied) must per
// spec §7 — unlike Transport/Handshake/Protocol/Integrity errors, which
// stay contained to the session that raised them: the peer is redialed
// after backoff, except after an Integrity error, whose contributing
// peers are banned.
func (c *Coordinator) failFatal(err error) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) watchCompletion(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.cfg.Pieces.IsComplete() {
				log.Println("download complete")
				if len(c.cfg.Trackers) > 0 {
					if _, err := c.announce(ctx, tracker.Completed); err != nil {
						log.Printf("tracker completed-announce failed: %v", err)
					}
				}
				cancel()
				return nil
			}
			if c.cfg.Reporter != nil {
				c.tick()
			}
		}
	}
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	active := len(c.sessions)
	c.mu.Unlock()
	rate := 0
	if c.cfg.Stats != nil {
		rate = c.cfg.Stats.Tick(1)
	}
	c.cfg.Reporter.Tick(progress.Snapshot{
		PiecesDone:  c.cfg.Pieces.PiecesDownloaded(),
		PiecesTotal: c.cfg.Pieces.NumPieces(),
		ActivePeers: active,
		RateBytes:   rate,
	})
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	sessions := make([]*peer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
	if c.cfg.Reporter != nil {
		c.cfg.Reporter.Stop()
	}
	if err := c.cfg.Writer.Close(); err != nil {
		log.Printf("error closing writer: %v", err)
	}
}

// addCandidates merges newly discovered peer addresses into the dial
// pool, skipping ones already connected or banned.
func (c *Coordinator) addCandidates(addrs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addrs {
		if c.banned.Contains(addr) {
			continue
		}
		if _, ok := c.sessions[addr]; ok {
			continue
		}
		if _, ok := c.candidates[addr]; !ok {
			c.candidates[addr] = &candidate{}
		}
	}
}

func (c *Coordinator) banPeers(addrs mapset.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs.Each(func(addr interface{}) bool {
		id, ok := addr.(string)
		if !ok {
			return false
		}
		c.banned.Add(id)
		delete(c.candidates, id)
		if s, ok := c.sessions[id]; ok {
			s.Stop()
		}
		return false
	})
}

func (c *Coordinator) onSessionDone(addr string, err error) {
	c.mu.Lock()
	delete(c.sessions, addr)
	if c.banned.Contains(addr) {
		c.mu.Unlock()
		return
	}
	cand, ok := c.candidates[addr]
	if !ok {
		cand = &candidate{}
		c.candidates[addr] = cand
	}
	if err != nil {
		cand.failures++
	} else {
		cand.failures = 0
	}
	cand.nextDialAt = time.Now().Add(backoffFor(cand.failures))
	c.mu.Unlock()
}

func backoffFor(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := backoffBase << uint(failures-1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// dialLoop spawns sessions for dial-ready candidates up to MaxPeers.
func (c *Coordinator) dialLoop(ctx context.Context) error {
	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()
	c.fillSessions(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.fillSessions(ctx)
		}
	}
}

func (c *Coordinator) fillSessions(ctx context.Context) {
	c.mu.Lock()
	slots := c.cfg.MaxPeers - len(c.sessions)
	var toDial []string
	now := time.Now()
	for addr, cand := range c.candidates {
		if slots <= 0 {
			break
		}
		if _, connected := c.sessions[addr]; connected {
			continue
		}
		if cand.nextDialAt.After(now) {
			continue
		}
		toDial = append(toDial, addr)
		slots--
	}
	for _, addr := range toDial {
		delete(c.candidates, addr)
	}
	c.mu.Unlock()

	for _, addr := range toDial {
		c.spawnSession(ctx, addr)
	}
}

func (c *Coordinator) spawnSession(ctx context.Context, addr string) {
	sess := peer.NewSession(addr, peer.Config{
		InfoHash:      c.cfg.Metainfo.InfoHash,
		LocalPeerID:   c.cfg.LocalPeerID,
		Pieces:        c.cfg.Pieces,
		Writer:        c.cfg.Writer,
		PipelineDepth: c.cfg.PipelineDepth,
		MaxFrameLen:   peer.DefaultMaxFrameLen,
		OnPieceVerified: func(index int) {
			if c.cfg.Stats != nil {
				c.cfg.Stats.RecordBlock(addr, c.cfg.Metainfo.PieceLength)
			}
		},
		OnIntegrityFailure: func(peers mapset.Set) { c.banPeers(peers) },
	})

	c.mu.Lock()
	c.sessions[addr] = sess
	c.mu.Unlock()

	go func() {
		err := sess.Run()
		if err != nil {
			log.Printf("peer %s disconnected: %v", addr, err)
		}
		if c.cfg.Stats != nil {
			c.cfg.Stats.RemovePeer(addr)
		}
		var storageErr *errs.StorageError
		if errors.As(err, &storageErr) {
			c.failFatal(err)
		}
		c.onSessionDone(addr, err)
	}()
}

// reaperLoop releases block requests that have been outstanding longer
// than RequestTimeout, so a stalled peer doesn't permanently starve a
// block from the selector.
func (c *Coordinator) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.cfg.Pieces.ReapTimeouts(time.Now(), c.cfg.RequestTimeout); n > 0 {
				log.Printf("reaped %d stalled block request(s)", n)
			}
		}
	}
}

// trackerLoop performs the started announce and periodic re-announces at
// the tracker-dictated interval until ctx ends; the final stopped
// announce is made by Run after shutdown. Each announce tries
// cfg.Trackers in turn until one answers.
func (c *Coordinator) trackerLoop(ctx context.Context) error {
	if len(c.cfg.Trackers) == 0 {
		<-ctx.Done()
		return nil
	}

	interval, err := c.announce(ctx, tracker.Started)
	if err != nil {
		log.Printf("tracker announce (started) failed: %v", err)
		interval = backoffBase
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			next, err := c.announce(ctx, tracker.None)
			if err != nil {
				log.Printf("tracker re-announce failed: %v", err)
				next = backoffBase
			}
			timer.Reset(next)
		}
	}
}

func (c *Coordinator) announce(ctx context.Context, event tracker.Event) (time.Duration, error) {
	uploaded, downloaded, left := int64(0), int64(0), int64(c.cfg.Metainfo.Length)
	if c.cfg.Stats != nil {
		uploaded, downloaded, left = c.cfg.Stats.TrackerStats()
	}
	req := tracker.AnnounceRequest{
		InfoHash:   c.cfg.Metainfo.InfoHash,
		PeerID:     c.cfg.LocalPeerID,
		Port:       c.cfg.ListenPort,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    50,
	}

	clients := c.cfg.Trackers
	start := rand.Intn(len(clients))
	var lastErr error
	for i := 0; i < len(clients); i++ {
		cl := clients[(start+i)%len(clients)]
		result, err := cl.Announce(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if event != tracker.Stopped {
			c.addCandidates(result.Peers)
		}
		if result.Interval <= 0 {
			result.Interval = backoffBase
		}
		return result.Interval, nil
	}
	return 0, fmt.Errorf("all trackers failed: %w", lastErr)
}
