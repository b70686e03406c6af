// Package storage buffers verified pieces into their destination files.
// It owns the destination files exclusively; no other package touches
// them directly.
package storage

import (
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/killerbat00/opalescence/errs"
	"github.com/killerbat00/opalescence/torrent"
)

// appFS and openFile are package-level seams so tests can swap in
// afero.NewMemMapFs() the way the teacher's disk tests do, without
// threading a filesystem parameter through every call site.
var appFS afero.Fs = afero.NewOsFs()
var openFile = appFS.OpenFile

// Writer verifies received piece buffers against the metainfo hash and
// writes them to their destination files, splitting the byte range
// across files for multi-file torrents.
type Writer struct {
	mi          *torrent.Metainfo
	pieceLength int
	destRoot    string // destination/<name> for multi-file, destination for single-file

	mu    sync.Mutex
	files []afero.File
	locks []*sync.Mutex
}

// NewWriter opens (creating and pre-sizing as needed) the destination
// files for mi under destination, per the on-disk layout in spec §6.
func NewWriter(destination string, mi *torrent.Metainfo) (*Writer, error) {
	w := &Writer{mi: mi, pieceLength: mi.PieceLength}

	if mi.IsMultiFile {
		w.destRoot = filepath.Join(destination, mi.Name)
	} else {
		w.destRoot = destination
	}
	if err := appFS.MkdirAll(w.destRoot, 0755); err != nil {
		return nil, &errs.StorageError{Op: "mkdir destination", Err: err}
	}

	for _, f := range mi.Files {
		path := w.filePath(f)
		if dir := filepath.Dir(path); dir != w.destRoot {
			if err := appFS.MkdirAll(dir, 0755); err != nil {
				return nil, &errs.StorageError{Op: "mkdir " + dir, Err: err}
			}
		}
		fh, err := openFile(path, os.O_CREATE|os.O_RDWR, 0755)
		if err != nil {
			return nil, &errs.StorageError{Op: "open " + path, Err: err}
		}
		if err := fh.Truncate(int64(f.Length)); err != nil {
			return nil, &errs.StorageError{Op: "presize " + path, Err: err}
		}
		w.files = append(w.files, fh)
		w.locks = append(w.locks, &sync.Mutex{})
	}
	return w, nil
}

func (w *Writer) filePath(f torrent.File) string {
	if w.mi.IsMultiFile {
		return filepath.Join(append([]string{w.destRoot}, f.Path...)...)
	}
	return filepath.Join(w.destRoot, w.mi.Name)
}

// Close closes every destination file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for _, f := range w.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// pieceRange returns the byte offset of piece i within the concatenated
// content stream, and its declared length.
func (w *Writer) pieceRange(i int) (offset, length int) {
	offset = i * w.pieceLength
	if i < len(w.mi.PieceHashes)-1 {
		length = w.pieceLength
		return
	}
	length = w.mi.Length - offset
	return
}

// forEachFileSpan walks the files overlapping [offset, offset+length)
// within the concatenated content stream, invoking fn with the file
// index and the sub-range local to that file.
func (w *Writer) forEachFileSpan(offset, length int, fn func(fileIndex, localOffset, n int) error) error {
	fileStart := 0
	for fi, f := range w.mi.Files {
		fileEnd := fileStart + f.Length
		if offset >= fileEnd {
			fileStart = fileEnd
			continue
		}
		if offset+length <= fileStart {
			break
		}
		spanStart := offset
		if spanStart < fileStart {
			spanStart = fileStart
		}
		spanEnd := offset + length
		if spanEnd > fileEnd {
			spanEnd = fileEnd
		}
		if spanEnd > spanStart {
			if err := fn(fi, spanStart-fileStart, spanEnd-spanStart); err != nil {
				return err
			}
		}
		fileStart = fileEnd
	}
	return nil
}

// VerifyAndWrite checks buffer's SHA-1 against the declared hash for
// piece i. On mismatch it returns an IntegrityError and performs no
// write (Invariant 4: flushed bytes are never rewritten, so a failed
// piece must not be written at all). On match it writes the byte range
// to the destination file(s).
func (w *Writer) VerifyAndWrite(i int, buffer []byte) error {
	if sha1.Sum(buffer) != w.mi.PieceHashes[i] {
		return &errs.IntegrityError{PieceIndex: i}
	}

	offset, _ := w.pieceRange(i)
	return w.forEachFileSpan(offset, len(buffer), func(fi, localOffset, n int) error {
		w.locks[fi].Lock()
		defer w.locks[fi].Unlock()
		bufOffset := spanBufOffset(offset, w.mi.Files, fi, localOffset)
		_, err := w.files[fi].WriteAt(buffer[bufOffset:bufOffset+n], int64(localOffset))
		if err != nil {
			return &errs.StorageError{Op: "write piece", Err: err}
		}
		return nil
	})
}

// spanBufOffset translates a file-local span back into an offset within
// the piece buffer passed to VerifyAndWrite/readPiece.
func spanBufOffset(pieceOffset int, files []torrent.File, fileIndex, localOffset int) int {
	fileStart := 0
	for i := 0; i < fileIndex; i++ {
		fileStart += files[i].Length
	}
	return fileStart + localOffset - pieceOffset
}

// readPiece reads piece i's byte range back from disk, used by the
// resume scan. Short or missing files yield fewer bytes than declared,
// signaling an incomplete piece to the caller.
func (w *Writer) readPiece(i int) ([]byte, error) {
	offset, length := w.pieceRange(i)
	buf := make([]byte, length)
	complete := true
	err := w.forEachFileSpan(offset, length, func(fi, localOffset, n int) error {
		w.locks[fi].Lock()
		defer w.locks[fi].Unlock()
		bufOffset := spanBufOffset(offset, w.mi.Files, fi, localOffset)
		got, err := w.files[fi].ReadAt(buf[bufOffset:bufOffset+n], int64(localOffset))
		if got < n {
			complete = false
			return nil // short read: treat as not-yet-downloaded, not fatal
		}
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, &errs.StorageError{Op: "read piece", Err: err}
	}
	if !complete {
		return nil, nil
	}
	return buf, nil
}

// ResumeScan hashes each piece's on-disk byte range and reports which
// are already complete, without rewriting anything. Missing or short
// files simply fail to verify and are reported as incomplete.
func (w *Writer) ResumeScan() ([]bool, error) {
	complete := make([]bool, len(w.mi.PieceHashes))
	for i := range complete {
		buf, err := w.readPiece(i)
		if err != nil {
			return nil, err
		}
		if buf == nil {
			continue
		}
		complete[i] = sha1.Sum(buf) == w.mi.PieceHashes[i]
	}
	return complete, nil
}

// destinationDisplayPath is a convenience for CLI/log output.
func destinationDisplayPath(destination string, mi *torrent.Metainfo) string {
	if mi.IsMultiFile {
		return filepath.Join(destination, mi.Name) + string(filepath.Separator)
	}
	return strings.TrimSuffix(filepath.Join(destination), string(filepath.Separator))
}
