// Command opalescence is a leech-only BitTorrent client: it downloads a
// single torrent to completion and exits, per spec §6. It never seeds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"

	"github.com/killerbat00/opalescence/coordinator"
	"github.com/killerbat00/opalescence/piece"
	"github.com/killerbat00/opalescence/progress"
	"github.com/killerbat00/opalescence/stats"
	"github.com/killerbat00/opalescence/storage"
	"github.com/killerbat00/opalescence/torrent"
	"github.com/killerbat00/opalescence/tracker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "download":
		err = runDownload(os.Args[2:])
	case "test":
		err = runTest(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  opalescence download <metainfo-path> <destination>")
	fmt.Fprintln(os.Stderr, "  opalescence test <metainfo-path> <destination>")
}

// openMetainfo parses the .torrent file at path.
func openMetainfo(path string) (*torrent.Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return torrent.Parse(f, path)
}

// runDownload implements the "download" subcommand: drives a single
// torrent to completion against destination, then exits.
func runDownload(args []string) error {
	if len(args) != 2 {
		usage()
		return fmt.Errorf("download requires <metainfo-path> and <destination>")
	}
	metainfoPath, destination := args[0], args[1]

	mi, err := openMetainfo(metainfoPath)
	if err != nil {
		return fmt.Errorf("reading metainfo: %w", err)
	}
	green := color.New(color.FgGreen)
	green.Printf("%s: %d pieces, %d bytes\n", mi.Name, mi.NumPieces(), mi.Length)

	writer, err := storage.NewWriter(destination, mi)
	if err != nil {
		return fmt.Errorf("opening destination: %w", err)
	}
	defer writer.Close()

	pieces := piece.NewMap(mi.PieceLength, mi.Length, mi.PieceHashes)
	resumed, err := resumeFromDisk(pieces, writer)
	if err != nil {
		return fmt.Errorf("resume scan: %w", err)
	}
	if resumed > 0 {
		green.Printf("resumed %d/%d pieces already on disk\n", resumed, mi.NumPieces())
	}
	if pieces.IsComplete() {
		green.Println("already complete")
		return nil
	}

	peerID, err := torrent.NewPeerID()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	trackers := dialTrackers(mi.AnnounceList)
	if len(trackers) == 0 && len(mi.AnnounceList) > 0 {
		color.New(color.FgYellow).Fprintln(os.Stderr, "warning: no announce URL could be used, downloading from any already-known peers only")
	}

	st := stats.NewStats(mi.Length)
	reporter := progress.NewReporter(mi.NumPieces())

	co := coordinator.New(coordinator.Config{
		Metainfo:    mi,
		Pieces:      pieces,
		Writer:      writer,
		Stats:       st,
		Trackers:    trackers,
		LocalPeerID: peerID,
		Reporter:    reporter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := co.Run(ctx); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if pieces.IsComplete() {
		green.Println("download complete")
	} else {
		color.New(color.FgYellow).Println("stopped before completion")
	}
	return nil
}

// runTest implements the "test" subcommand: it hashes whatever already
// sits at destination against the metainfo and reports which pieces
// verify, without dialing any peer or tracker (Open Question resolution,
// DESIGN.md).
func runTest(args []string) error {
	if len(args) != 2 {
		usage()
		return fmt.Errorf("test requires <metainfo-path> and <destination>")
	}
	metainfoPath, destination := args[0], args[1]

	mi, err := openMetainfo(metainfoPath)
	if err != nil {
		return fmt.Errorf("reading metainfo: %w", err)
	}

	writer, err := storage.NewWriter(destination, mi)
	if err != nil {
		return fmt.Errorf("opening destination: %w", err)
	}
	defer writer.Close()

	complete, err := writer.ResumeScan()
	if err != nil {
		return fmt.Errorf("resume scan: %w", err)
	}

	good := 0
	for i, ok := range complete {
		if ok {
			good++
		} else {
			color.New(color.FgRed).Printf("piece %d: missing or corrupt\n", i)
		}
	}
	pct := 0.0
	if len(complete) > 0 {
		pct = 100 * float64(good) / float64(len(complete))
	}
	color.New(color.FgGreen).Printf("%d/%d pieces verified (%.1f%%)\n", good, len(complete), pct)
	return nil
}

// resumeFromDisk hashes whatever's already at the writer's destination
// and seeds pieces with the result, so a restarted download doesn't
// re-fetch bytes it already has (spec §4.3).
func resumeFromDisk(pieces *piece.Map, writer *storage.Writer) (int, error) {
	complete, err := writer.ResumeScan()
	if err != nil {
		return 0, err
	}
	n := 0
	for i, ok := range complete {
		if ok {
			pieces.MarkComplete(i)
			n++
		}
	}
	return n, nil
}

// dialTrackers builds a Client for every announce URL whose scheme is
// supported, skipping (and logging) any that aren't.
func dialTrackers(announceList []string) []tracker.Client {
	var clients []tracker.Client
	for _, url := range announceList {
		c, err := tracker.NewClient(url)
		if err != nil {
			color.New(color.FgYellow).Fprintf(os.Stderr, "warning: skipping tracker %s: %v\n", url, err)
			continue
		}
		clients = append(clients, c)
	}
	return clients
}
