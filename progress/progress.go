// Package progress renders a terminal progress bar for an in-progress
// download. It is a pure side effect of the engine's state, never a
// source of truth: Reporter only reads counters it's handed.
package progress

import (
	"os"
	"strconv"

	"github.com/gosuri/uiprogress"
	isatty "github.com/mattn/go-isatty"
)

// Reporter drives a uiprogress.Bar sized to the torrent's piece count.
// It is a no-op when stdout isn't a terminal, the way a log-friendly
// batch run expects.
type Reporter struct {
	bar     *uiprogress.Bar
	enabled bool

	piecesDone, piecesTotal int
	activePeers, rateBytes  int
}

// Snapshot is the state Tick renders for one refresh.
type Snapshot struct {
	PiecesDone  int
	PiecesTotal int
	ActivePeers int
	RateBytes   int
}

// NewReporter starts the progress display for total pieces, unless
// stdout isn't a terminal.
func NewReporter(total int) *Reporter {
	r := &Reporter{enabled: isatty.IsTerminal(os.Stdout.Fd()), piecesTotal: total}
	if !r.enabled {
		return r
	}
	uiprogress.Start()
	r.bar = uiprogress.AddBar(total)
	r.bar.AppendCompleted()
	r.bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(r.piecesDone) + "/" + strconv.Itoa(r.piecesTotal)
	})
	r.bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(r.activePeers) + "  " + strconv.Itoa(r.rateBytes/1024) + " KB/s"
	})
	r.bar.AppendElapsed()
	return r
}

// Tick refreshes the bar to reflect snap. Safe to call on a no-op Reporter.
func (r *Reporter) Tick(snap Snapshot) {
	r.activePeers = snap.ActivePeers
	r.rateBytes = snap.RateBytes
	if !r.enabled {
		return
	}
	for r.piecesDone < snap.PiecesDone {
		r.bar.Incr()
		r.piecesDone++
	}
}

// Stop ends the progress display. Safe to call on a no-op Reporter.
func (r *Reporter) Stop() {
	if !r.enabled {
		return
	}
	uiprogress.Stop()
}
