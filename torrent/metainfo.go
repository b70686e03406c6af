// Package torrent decodes a bencoded metainfo file into the read-only
// record the rest of the engine consumes: piece length and hashes,
// info-hash, and the file layout.
package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
	"github.com/killerbat00/opalescence/errs"
)

// File describes one file of a multi-file torrent, in the order its
// bytes appear in the concatenated piece stream.
type File struct {
	Length int
	Path   []string
}

// Metainfo is the parsed, validated record the engine is handed at
// startup. It never changes for the life of a download.
type Metainfo struct {
	Name         string
	PieceLength  int
	PieceHashes  [][20]byte
	Length       int // total content length across all files
	Files        []File
	IsMultiFile  bool
	InfoHash     [20]byte
	AnnounceList []string
}

// NumPieces is len(PieceHashes), kept as a method so callers read it the
// same way they'd read a field without recomputing it inline everywhere.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

type bencodeFile struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeInfo struct {
	PieceLength int           `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Name        string        `bencode:"name"`
	Length      int           `bencode:"length,omitempty"`
	Files       []bencodeFile `bencode:"files,omitempty"`
}

type bencodeMetainfo struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

// Parse decodes a bencoded metainfo file.
func Parse(r io.ReadSeeker, path string) (*Metainfo, error) {
	raw, err := decodeRawInfo(r)
	if err != nil {
		return nil, &errs.DecodeError{Path: path, Err: err}
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, &errs.DecodeError{Path: path, Err: err}
	}
	var bmi bencodeMetainfo
	if err := bencode.Unmarshal(r, &bmi); err != nil {
		return nil, &errs.DecodeError{Path: path, Err: err}
	}

	hashes, err := splitPieceHashes(bmi.Info.Pieces)
	if err != nil {
		return nil, &errs.DecodeError{Path: path, Err: err}
	}

	mi := &Metainfo{
		Name:         bmi.Info.Name,
		PieceLength:  bmi.Info.PieceLength,
		PieceHashes:  hashes,
		InfoHash:     sha1.Sum(raw),
		AnnounceList: flattenAnnounceList(bmi.Announce, bmi.AnnounceList),
	}

	if len(bmi.Info.Files) > 0 {
		mi.IsMultiFile = true
		for _, f := range bmi.Info.Files {
			mi.Files = append(mi.Files, File{Length: f.Length, Path: f.Path})
			mi.Length += f.Length
		}
	} else {
		mi.Files = []File{{Length: bmi.Info.Length, Path: []string{bmi.Info.Name}}}
		mi.Length = bmi.Info.Length
	}
	return mi, nil
}

// decodeRawInfo re-marshals the raw info dict so its SHA-1 can be taken
// without relying on the struct's field order matching the source bytes.
func decodeRawInfo(r io.ReadSeeker) ([]byte, error) {
	decoded, err := bencode.Decode(r)
	if err != nil {
		return nil, err
	}
	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed metainfo: top level is not a dictionary")
	}
	info, ok := top["info"]
	if !ok {
		return nil, fmt.Errorf("malformed metainfo: missing info dictionary")
	}
	buf := &bytes.Buffer{}
	if err := bencode.Marshal(buf, info); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func splitPieceHashes(pieces string) ([][20]byte, error) {
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("pieces string length %d not a multiple of 20", len(pieces))
	}
	n := len(pieces) / 20
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], pieces[i*20:(i+1)*20])
	}
	return hashes, nil
}

func flattenAnnounceList(announce string, tiers [][]string) []string {
	urls := []string{}
	seen := map[string]bool{}
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	add(announce)
	for _, tier := range tiers {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}
