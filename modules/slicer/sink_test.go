package slicer

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "nested", "out.mp3")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink, err := newFileSink(dest, 1, logger)
	require.NoError(t, err)
	require.Equal(t, minWriteBufSize, cap(sink.buf))

	// Writes smaller and larger than the buffer, crossing flush boundaries.
	data := noise(5*minWriteBufSize + 123)
	for _, chunk := range [][]byte{data[:10], data[10 : 3*minWriteBufSize], data[3*minWriteBufSize:]} {
		n, err := sink.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}

	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err), "dest must not exist before commit")

	require.NoError(t, sink.Commit())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, data, got)

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFileSinkAbort(t *testing.T) {
	dir := t.TempDir()
	sink, err := newFileSink(filepath.Join(dir, "out.mp3"), 64*1024*1024, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.Equal(t, maxWriteBufSize, cap(sink.buf))

	_, err = sink.Write(noise(100))
	require.NoError(t, err)
	sink.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOutputPath(t *testing.T) {
	s := &Slicer{cfg: &Config{Dir: "/data"}}

	require.Equal(t, "/data/clip.mp3", s.outputPath(Job{Output: "clip.mp3"}))
	require.Equal(t, "/tmp/clip.mp3", s.outputPath(Job{Output: "/tmp/clip.mp3"}))
	require.Equal(t, "/data/tsg-314_1m30s-2m0s.mp3",
		s.outputPath(Job{URL: "http://example.com/podcast/tsg-314.mp3?x=1", Start: 90 * time.Second, End: 2 * time.Minute}))
	require.Equal(t, "/data/slice_0s-1s.mp3", s.outputPath(Job{URL: "http://example.com/", End: time.Second}))

	s.cfg.Dir = ""
	require.Equal(t, "clip.mp3", s.outputPath(Job{Output: "clip.mp3"}))
}

func TestByteCountIEC(t *testing.T) {
	require.Equal(t, "999 B", ByteCountIEC(999))
	require.Equal(t, "1.0 KiB", ByteCountIEC(1024))
	require.Equal(t, "1.5 MiB", ByteCountIEC(3*1024*1024/2))
}
