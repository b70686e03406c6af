package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordBlockAccumulatesDownloaded(t *testing.T) {
	s := NewStats(1000)
	s.RecordBlock("peerA", 100)
	s.RecordBlock("peerB", 50)
	assert.Equal(t, 150, s.Downloaded())

	_, downloaded, left := s.TrackerStats()
	assert.Equal(t, int64(150), downloaded)
	assert.Equal(t, int64(850), left)
}

func TestTrackerStatsNeverReportsUpload(t *testing.T) {
	s := NewStats(1000)
	s.RecordBlock("peerA", 100)
	uploaded, _, _ := s.TrackerStats()
	assert.Equal(t, int64(0), uploaded)
}

func TestTickComputesRollingRate(t *testing.T) {
	s := NewStats(10000)
	for i := 0; i < ponderationTime; i++ {
		s.RecordBlock("peerA", 10)
		s.Tick(1)
	}
	assert.Equal(t, 10, s.PeerRate("peerA"))
}

func TestRemovePeerDropsHistory(t *testing.T) {
	s := NewStats(1000)
	s.RecordBlock("peerA", 10)
	s.Tick(1)
	s.RemovePeer("peerA")
	assert.Equal(t, 0, s.PeerRate("peerA"))
}

func TestLeftNeverGoesNegative(t *testing.T) {
	s := NewStats(10)
	s.RecordBlock("peerA", 50)
	_, _, left := s.TrackerStats()
	assert.Equal(t, int64(0), left)
}
