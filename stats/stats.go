// Package stats tracks download throughput for the tracker's
// uploaded/downloaded/left accounting and for progress reporting. This
// build never uploads, so upload is always reported as zero; it still
// tracks a rolling per-peer and aggregate download rate the way the
// teacher tracks both directions.
package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// ponderationTime is how many sampling ticks the rolling rate averages
// over (the teacher's term for the window size).
const ponderationTime = 10

// Stats accumulates download progress and exposes rolling-rate snapshots.
type Stats struct {
	mu sync.Mutex

	totalLength int
	downloaded  int

	clientActivity [ponderationTime]int
	clientIndex    int
	downloadRate   int

	peers map[string]*peerActivity
}

type peerActivity struct {
	current  int
	activity [ponderationTime]int
	index    int
	rate     int
}

// NewStats constructs a tracker for a torrent of totalLength bytes.
func NewStats(totalLength int) *Stats {
	return &Stats{totalLength: totalLength, peers: make(map[string]*peerActivity)}
}

// RecordBlock credits n downloaded bytes to peerID, for both the peer's
// own rate and the client-wide rate.
func (s *Stats) RecordBlock(peerID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[peerID]
	if !ok {
		p = &peerActivity{}
		s.peers[peerID] = p
	}
	p.current += n
	s.downloaded += n
}

// RemovePeer drops a peer's rate history, e.g. when its session ends.
func (s *Stats) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

func sumReduce(acc int, x, _ int) int { return acc + x }

// Tick advances the rolling-rate window by one sampling period and
// returns the client-wide download rate in bytes/sec for that period.
// Call it at a fixed cadence (the progress reporter's tick).
func (s *Stats) Tick(period int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientCurrent := 0
	for _, p := range s.peers {
		p.activity[p.index] = p.current
		underscore.Chain(p.activity).Reduce(0, sumReduce).Value(&p.rate)
		p.rate /= ponderationTime
		p.index = (p.index + 1) % ponderationTime
		clientCurrent += p.current
		p.current = 0
	}

	s.clientActivity[s.clientIndex] = clientCurrent
	underscore.Chain(s.clientActivity).Reduce(0, sumReduce).Value(&s.downloadRate)
	s.downloadRate /= ponderationTime
	s.clientIndex = (s.clientIndex + 1) % ponderationTime

	if period <= 0 {
		period = 1
	}
	return s.downloadRate / period
}

// TrackerStats reports the uploaded/downloaded/left triple a tracker
// announce needs. Uploaded is always 0: this build never seeds.
func (s *Stats) TrackerStats() (uploaded, downloaded, left int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	left = int64(s.totalLength - s.downloaded)
	if left < 0 {
		left = 0
	}
	return 0, int64(s.downloaded), left
}

// PeerRate reports peerID's most recent rolling download rate.
func (s *Stats) PeerRate(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[peerID]; ok {
		return p.rate
	}
	return 0
}

// Downloaded reports total bytes downloaded so far.
func (s *Stats) Downloaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloaded
}
