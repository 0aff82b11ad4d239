package imgrec

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, 16, 8))
	img.SetGray16(3, 4, color.Gray16{Y: 4000})
	return img
}

func TestWriteFitsBlocks(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFits(&buf, []fitsio.Card{{Name: "EXPTIME", Value: 0.1}}, frame())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE  =")))
	assert.Zero(t, buf.Len()%2880, "FITS files are made of 2880 byte blocks")
	assert.Contains(t, buf.String(), "EXPTIME")
	assert.Contains(t, buf.String(), "BZERO")
}

func TestWriteFitsRejectsMismatchedCube(t *testing.T) {
	other := image.NewGray16(image.Rect(0, 0, 4, 4))
	err := WriteFits(&bytes.Buffer{}, nil, frame(), other)
	assert.Error(t, err)
	assert.Error(t, WriteFits(&bytes.Buffer{}, nil))
}

func TestRecorderSequence(t *testing.T) {
	root := t.TempDir()
	rec := New(root, "spot", true)

	first, err := rec.Record(nil, frame())
	require.NoError(t, err)
	second, err := rec.Record(nil, frame())
	require.NoError(t, err)

	assert.Equal(t, "spot000001.fits", filepath.Base(first))
	assert.Equal(t, "spot000002.fits", filepath.Base(second))
	assert.Equal(t, filepath.Dir(first), filepath.Dir(second))
	_, err = os.Stat(second)
	assert.NoError(t, err)
}

func TestRecorderDisabled(t *testing.T) {
	root := t.TempDir()
	rec := New(root, "spot", false)
	fn, err := rec.Record(nil, frame())
	require.NoError(t, err)
	assert.Empty(t, fn)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.False(t, New("", "spot", true).Enabled())
}
