package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// In a non-interactive test runner stdout is never a terminal, so the
// reporter is always the disabled no-op path here; this test exercises
// that Tick/Stop are safe to call regardless.
func TestReporterIsNoopWithoutTTY(t *testing.T) {
	r := NewReporter(10)
	assert.False(t, r.enabled)
	r.Tick(Snapshot{PiecesDone: 3, PiecesTotal: 10, ActivePeers: 2, RateBytes: 4096})
	assert.Equal(t, 2, r.activePeers)
	assert.Equal(t, 4096, r.rateBytes)
	r.Stop()
}
