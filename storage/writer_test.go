package storage

import (
	"crypto/sha1"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/killerbat00/opalescence/torrent"
)

func multiFileMetainfo() *torrent.Metainfo {
	a := []byte("aaaaaaaaaa") // 10 bytes
	b := []byte("bbbbbbbbbbbbbbbbbbbb") // 20 bytes
	piece0 := append(append([]byte{}, a...), b[:6]...)
	piece1 := b[6:]
	return &torrent.Metainfo{
		Name:        "root",
		PieceLength: 16,
		Length:      30,
		IsMultiFile: true,
		Files: []torrent.File{
			{Length: 10, Path: []string{"a"}},
			{Length: 20, Path: []string{"b"}},
		},
		PieceHashes: [][20]byte{sha1.Sum(piece0), sha1.Sum(piece1)},
	}
}

func TestNewWriterCreatesFilesPresized(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile
	mi := multiFileMetainfo()

	w, err := NewWriter("/dest", mi)
	assert.NoError(t, err)
	defer w.Close()

	info, err := appFS.Stat("/dest/root/a")
	assert.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())
	info, err = appFS.Stat("/dest/root/b")
	assert.NoError(t, err)
	assert.Equal(t, int64(20), info.Size())
}

func TestVerifyAndWriteSplitsAcrossFiles(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile
	mi := multiFileMetainfo()
	w, err := NewWriter("/dest", mi)
	assert.NoError(t, err)
	defer w.Close()

	a := []byte("aaaaaaaaaa")
	b6 := []byte("bbbbbb")
	piece0 := append(append([]byte{}, a...), b6...)

	assert.NoError(t, w.VerifyAndWrite(0, piece0))

	gotA, _ := afero.ReadFile(appFS, "/dest/root/a")
	assert.Equal(t, a, gotA)
	gotB, _ := afero.ReadFile(appFS, "/dest/root/b")
	assert.Equal(t, append(b6, make([]byte, 14)...), gotB)
}

func TestVerifyAndWriteRejectsBadChecksum(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile
	mi := multiFileMetainfo()
	w, err := NewWriter("/dest", mi)
	assert.NoError(t, err)
	defer w.Close()

	err = w.VerifyAndWrite(0, make([]byte, 16))
	assert.Error(t, err)
}

func TestResumeScanReportsCompletePieces(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile
	mi := multiFileMetainfo()
	w, err := NewWriter("/dest", mi)
	assert.NoError(t, err)
	defer w.Close()

	a := []byte("aaaaaaaaaa")
	b := []byte("bbbbbbbbbbbbbbbbbbbb")
	piece0 := append(append([]byte{}, a...), b[:6]...)
	piece1 := b[6:]
	assert.NoError(t, w.VerifyAndWrite(0, piece0))
	assert.NoError(t, w.VerifyAndWrite(1, piece1))

	complete, err := w.ResumeScan()
	assert.NoError(t, err)
	assert.Equal(t, []bool{true, true}, complete)
}

func TestResumeScanReportsIncompleteForEmptyDestination(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile
	mi := multiFileMetainfo()
	w, err := NewWriter("/dest", mi)
	assert.NoError(t, err)
	defer w.Close()

	complete, err := w.ResumeScan()
	assert.NoError(t, err)
	assert.Equal(t, []bool{false, false}, complete)
}

func TestSingleFileLayoutHasNoNameSubdirectory(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile
	data := []byte("hello\n")
	mi := &torrent.Metainfo{
		Name:        "hello.txt",
		PieceLength: 16384,
		Length:      len(data),
		Files:       []torrent.File{{Length: len(data), Path: []string{"hello.txt"}}},
		PieceHashes: [][20]byte{sha1.Sum(data)},
	}
	w, err := NewWriter("/dest", mi)
	assert.NoError(t, err)
	defer w.Close()

	assert.NoError(t, w.VerifyAndWrite(0, data))
	got, err := afero.ReadFile(appFS, "/dest/hello.txt")
	assert.NoError(t, err)
	assert.Equal(t, data, got)
}
