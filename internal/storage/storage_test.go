package storage

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, G: 40, B: 90, A: 255})
	}
	return img
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), nil))
	return buf.Bytes()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	return buf.Bytes()
}

// apngBytes inserts an animation control chunk right after IHDR, which turns
// a plain PNG into an animated one as far as sniffing is concerned.
func apngBytes(t *testing.T) []byte {
	t.Helper()
	plain := pngBytes(t)
	const ihdrEnd = 8 + 4 + 4 + 13 + 4
	require.Greater(t, len(plain), ihdrEnd)

	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], 1)
	binary.BigEndian.PutUint32(data[4:8], 0)

	chunk := make([]byte, 0, 4+4+len(data)+4)
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(data)))
	chunk = append(chunk, "acTL"...)
	chunk = append(chunk, data...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(plain)+len(chunk))
	out = append(out, plain[:ihdrEnd]...)
	out = append(out, chunk...)
	return append(out, plain[ihdrEnd:]...)
}

func gifBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, testImage(), nil))
	return buf.Bytes()
}

func TestSaveThenReadRoundTrip(t *testing.T) {
	takenAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		payload []byte
		wantRel string
	}{
		{"jpeg", jpegBytes(t), "dev-1/2024_01_01_10_00_00.jpeg"},
		{"png", pngBytes(t), "dev-1/2024_01_01_10_00_00.png"},
		{"apng", apngBytes(t), "dev-1/2024_01_01_10_00_00.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStorage(t)

			rel, err := s.Save("dev-1", bytes.NewReader(tt.payload), takenAt)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRel, rel)
			assert.False(t, filepath.IsAbs(rel))

			abs, err := s.Read(rel)
			require.NoError(t, err)
			got, err := os.ReadFile(abs)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestSaveRejectsUnsupportedContent(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"text", []byte("definitely not an image")},
		{"gif", gifBytes(t)},
		{"empty", nil},
		{"truncated_jpeg_magic_missing", []byte{0x00, 0xD8, 0xFF, 0xE0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStorage(t)

			_, err := s.Save("dev-1", bytes.NewReader(tt.payload), time.Now())
			require.ErrorIs(t, err, ErrBadFileType)

			_, statErr := os.Stat(filepath.Join(s.Root(), "dev-1"))
			assert.True(t, os.IsNotExist(statErr), "no scope directory should be created for rejected uploads")
		})
	}
}

func TestSaveSameSecondOverwrites(t *testing.T) {
	s := newTestStorage(t)
	first := time.Date(2024, 1, 1, 10, 0, 0, 100, time.UTC)
	second := first.Add(500 * time.Millisecond)

	relA, err := s.Save("dev-1", bytes.NewReader(jpegBytes(t)), first)
	require.NoError(t, err)

	replacement := append(jpegBytes(t), 0x00)
	relB, err := s.Save("dev-1", bytes.NewReader(replacement), second)
	require.NoError(t, err)
	require.Equal(t, relA, relB)

	abs, err := s.Read(relB)
	require.NoError(t, err)
	got, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, replacement, got)
}

func TestSaveRejectsInvalidScope(t *testing.T) {
	s := newTestStorage(t)
	for _, scope := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.Save(scope, bytes.NewReader(jpegBytes(t)), time.Now())
		assert.ErrorIs(t, err, ErrInvalidScope, "scope %q", scope)
	}
}

func TestReadUnknownPath(t *testing.T) {
	s := newTestStorage(t)

	rel, err := s.Save("dev-1", bytes.NewReader(pngBytes(t)), time.Now())
	require.NoError(t, err)
	abs, err := s.Read(rel)
	require.NoError(t, err)
	require.NoError(t, os.Remove(abs))

	for _, p := range []string{rel, "", "../outside.png", "/etc/passwd", "dev-1"} {
		_, err := s.Read(p)
		assert.ErrorIs(t, err, ErrUnknownPath, "path %q", p)
	}
}

func TestOpenStreamsStoredBytes(t *testing.T) {
	s := newTestStorage(t)
	payload := pngBytes(t)

	rel, err := s.Save("dev-2", bytes.NewReader(payload), time.Now())
	require.NoError(t, err)

	rc, err := s.Open(rel)
	require.NoError(t, err)
	defer rc.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())
	assert.Equal(t, "image/png", ContentType(rel))
}

func TestRemoveDeletesStoredFile(t *testing.T) {
	s := newTestStorage(t)
	rel, err := s.Save("dev-1", bytes.NewReader(pngBytes(t)), time.Now())
	require.NoError(t, err)

	require.NoError(t, s.Remove(rel))
	_, err = s.Read(rel)
	require.ErrorIs(t, err, ErrUnknownPath)

	require.NoError(t, s.Remove(rel), "removing a missing file is not an error")
	require.ErrorIs(t, s.Remove("../outside.png"), ErrUnknownPath)
}

func TestNewRejectsFileRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := New(file, zap.NewNop())
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("d/2024_01_01_10_00_00.jpeg"))
	assert.Equal(t, "image/jpeg", ContentType("d/x.JPG"))
	assert.Equal(t, "application/octet-stream", ContentType("d/x.bin"))
}
