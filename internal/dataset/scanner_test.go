package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
}

func writeMeta(t *testing.T, dir, name string, meta ImageInfo) {
	t.Helper()
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	writeFile(t, dir, name, data)
}

func TestScanUsesExistingMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "aaa.png", []byte("not decoded"))
	writeMeta(t, dir, "aaa.json", ImageInfo{ID: "aaa", OriginalFilename: "zebra.png", CurrentFilename: "aaa.png", Width: 800, Height: 600})
	writeFile(t, dir, "bbb.jpg", []byte("not decoded"))
	writeMeta(t, dir, "bbb.json", ImageInfo{ID: "bbb", OriginalFilename: "apple.jpg", CurrentFilename: "bbb.jpg", Width: 10, Height: 20})
	writeFile(t, dir, "notes.txt", []byte("ignored"))

	s := New(dir, zap.NewNop())
	require.NoError(t, s.Scan())

	images := s.Images()
	require.Len(t, images, 2)
	assert.Equal(t, "apple.jpg", images[0].OriginalFilename)
	assert.Equal(t, "zebra.png", images[1].OriginalFilename)

	first, err := s.Find("")
	require.NoError(t, err)
	assert.Equal(t, "bbb", first.ID)

	byName, err := s.Find("zebra.png")
	require.NoError(t, err)
	assert.Equal(t, 800, byName.Width)
	assert.Equal(t, filepath.Join(dir, "aaa.png"), s.Path(byName))

	byID, err := s.Find("aaa")
	require.NoError(t, err)
	assert.Equal(t, byName, byID)

	_, err = s.Find("missing")
	assert.Error(t, err)
}

func TestScanRemovesBadMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.png", []byte("x"))
	writeMeta(t, dir, "keep.json", ImageInfo{ID: "keep", CurrentFilename: "keep.png"})
	writeMeta(t, dir, "orphan.json", ImageInfo{ID: "orphan", CurrentFilename: "orphan.png"})
	writeMeta(t, dir, "wrong.json", ImageInfo{ID: "other", CurrentFilename: "keep.png"})
	writeFile(t, dir, "broken.json", []byte("{"))

	s := New(dir, zap.NewNop())
	require.NoError(t, s.Scan())

	assert.FileExists(t, filepath.Join(dir, "keep.json"))
	assert.NoFileExists(t, filepath.Join(dir, "orphan.json"))
	assert.NoFileExists(t, filepath.Join(dir, "wrong.json"))
	assert.NoFileExists(t, filepath.Join(dir, "broken.json"))
	assert.Len(t, s.Images(), 1)
}

func TestFindOnEmptyDataset(t *testing.T) {
	s := New(t.TempDir(), zap.NewNop())
	require.NoError(t, s.Scan())

	_, err := s.Find("")
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestScanMissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), zap.NewNop())
	assert.Error(t, s.Scan())
}
