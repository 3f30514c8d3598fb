package slicer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/modules"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/mp3slice/pkg/mpeg"
	"github.com/zachfi/mp3slice/pkg/rangefetch"
)

var header128 = []byte{0xFF, 0xFB, 0x90, 0x00}

// noise returns n bytes without 0xFF, so no frame header can start in them.
func noise(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*131 + 7) % 0xFF)
	}
	return b
}

// fakeMP3 is a resource with a header at offset followed by n bytes.
func fakeMP3(offset, n int) []byte {
	return append(append(noise(offset), header128...), noise(n)...)
}

type testServer struct {
	*httptest.Server
	requests atomic.Int32
	failures atomic.Int32
}

// newTestServer serves content at /episode.mp3 with Range support. The first
// failures requests are answered with 503.
func newTestServer(t *testing.T, content []byte, failures int32) *testServer {
	t.Helper()

	ts := &testServer{}
	ts.failures.Store(failures)

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		if r.URL.Path != "/episode.mp3" {
			http.NotFound(w, r)
			return
		}
		if ts.failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		http.ServeContent(w, r, "episode.mp3", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(ts.Close)

	return ts
}

func testConfig() Config {
	return Config{
		ProbeSize:       defaultProbeSize,
		ProbeAttempts:   defaultProbeAttempts,
		ProbeCacheTTL:   time.Minute,
		WriteBufferSize: minWriteBufSize,
		RetryBackoff:    time.Millisecond,
		RetryBackoffMax: 5 * time.Millisecond,
		MaxRetries:      3,
	}
}

func newTestSlicer(t *testing.T, cfg Config) *Slicer {
	t.Helper()

	s, err := New(cfg, *slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestSliceToFile(t *testing.T) {
	content := fakeMP3(1000, 400000)
	srv := newTestServer(t, content, 0)

	cfg := testConfig()
	cfg.Dir = t.TempDir()
	s := newTestSlicer(t, cfg)

	h, err := mpeg.Decode(header128)
	require.NoError(t, err)
	want, err := mpeg.MapRange(h, 1000, 2.5, 10)
	require.NoError(t, err)
	require.Equal(t, mpeg.ByteRange{Start: 39890 + 1000, End: 159561 + 1000}, want)

	path, n, err := s.SliceToFile(context.Background(), Job{
		URL:    srv.URL + "/episode.mp3",
		Start:  2500 * time.Millisecond,
		End:    10 * time.Second,
		Output: "clips/clip.mp3",
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.Dir, "clips", "clip.mp3"), path)
	require.Equal(t, want.Len(), n)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content[want.Start:want.End+1], got)

	// Only the slice is left in the directory.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSliceToFileFailureLeavesNothing(t *testing.T) {
	srv := newTestServer(t, noise(10000), 0)

	cfg := testConfig()
	cfg.Dir = t.TempDir()
	s := newTestSlicer(t, cfg)

	_, _, err := s.SliceToFile(context.Background(), Job{URL: srv.URL + "/episode.mp3", End: time.Second, Output: "x.mp3"})
	require.ErrorIs(t, err, mpeg.ErrHeaderNotFound)

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPlan(t *testing.T) {
	content := fakeMP3(200, 50000)
	srv := newTestServer(t, content, 0)
	s := newTestSlicer(t, testConfig())
	url := srv.URL + "/episode.mp3"

	plan, err := s.Plan(context.Background(), url, 0, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(200), plan.Probe.Offset)
	require.Equal(t, int64(len(content)), plan.Probe.Resource.Size)
	require.Equal(t, mpeg.ByteRange{Start: 200, End: 15957 + 200}, plan.Range)
	require.InDelta(t, float64(len(content)-200)/15956.0098, plan.Probe.Duration, 0.001)

	// The end is clamped to the last byte.
	plan, err = s.Plan(context.Background(), url, time.Second, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)-1), plan.Range.End)

	_, err = s.Plan(context.Background(), url, 5*time.Second, 10*time.Second)
	require.ErrorIs(t, err, ErrStartBeyondEOF)

	_, err = s.Plan(context.Background(), url, 10*time.Second, 5*time.Second)
	require.ErrorIs(t, err, mpeg.ErrMalformedInput)
}

func TestPlanFreeFormat(t *testing.T) {
	content := append(noise(10), 0xFF, 0xFB, 0x00, 0x00)
	srv := newTestServer(t, append(content, noise(1000)...), 0)
	s := newTestSlicer(t, testConfig())

	p, err := s.Probe(context.Background(), srv.URL+"/episode.mp3")
	require.NoError(t, err)
	require.Equal(t, int64(10), p.Offset)
	require.Zero(t, p.Duration)

	_, err = s.Plan(context.Background(), srv.URL+"/episode.mp3", 0, time.Second)
	require.ErrorIs(t, err, mpeg.ErrInvalidHeaderForMapping)
}

func TestProbeWindows(t *testing.T) {
	cases := []struct {
		name     string
		offset   int
		attempts int
		found    bool
	}{
		{name: "first window", offset: 100, attempts: 2, found: true},
		{name: "second window", offset: 5000, attempts: 2, found: true},
		{name: "straddles the first window", offset: 4094, attempts: 2, found: true},
		{name: "beyond the last window", offset: 9000, attempts: 2, found: false},
		{name: "third window", offset: 9000, attempts: 3, found: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, fakeMP3(tc.offset, 2000), 0)

			cfg := testConfig()
			cfg.ProbeSize = 4096
			cfg.ProbeAttempts = tc.attempts
			s := newTestSlicer(t, cfg)

			p, err := s.Probe(context.Background(), srv.URL+"/episode.mp3")
			if !tc.found {
				require.ErrorIs(t, err, mpeg.ErrHeaderNotFound)
				return
			}
			require.NoError(t, err)
			require.Equal(t, int64(tc.offset), p.Offset)
			require.Equal(t, tc.offset, int(p.Window.Start)+p.Location.Offset)
		})
	}
}

func TestProbeStopsAtEndOfFile(t *testing.T) {
	srv := newTestServer(t, noise(1000), 0)

	cfg := testConfig()
	cfg.ProbeSize = 4096
	cfg.ProbeAttempts = 10
	s := newTestSlicer(t, cfg)

	_, err := s.Probe(context.Background(), srv.URL+"/episode.mp3")
	require.ErrorIs(t, err, mpeg.ErrHeaderNotFound)
	// One HEAD and a single window.
	require.Equal(t, int32(2), srv.requests.Load())
}

func TestProbeWithoutHEAD(t *testing.T) {
	content := noise(1000)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		http.ServeContent(w, r, "episode.mp3", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.ProbeSize = 512
	cfg.ProbeAttempts = 10
	s := newTestSlicer(t, cfg)

	// Windows at 0 and 509 are read, the one at 1018 is past the end.
	_, err := s.Probe(context.Background(), srv.URL+"/episode.mp3")
	require.ErrorIs(t, err, mpeg.ErrHeaderNotFound)
	require.NotErrorIs(t, err, rangefetch.ErrRangeNotSatisfiable)
	require.Equal(t, int32(4), requests.Load())

	rec := httptest.NewRecorder()
	s.SliceHandler().ServeHTTP(rec, sliceRequest(srv.URL+"/episode.mp3", "0", "1"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProbeMetadataSkip(t *testing.T) {
	content := fakeMP3(3000, 2000)
	srv := newTestServer(t, content, 0)

	cfg := testConfig()
	cfg.ProbeOffset = 2048
	cfg.ProbeSize = 1024
	s := newTestSlicer(t, cfg)

	p, err := s.Probe(context.Background(), srv.URL+"/episode.mp3")
	require.NoError(t, err)
	require.Equal(t, int64(2048), p.Window.Start)
	require.Equal(t, 3000-2048, p.Location.Offset)
	require.Equal(t, int64(3000), p.Offset)
}

func TestProbeCache(t *testing.T) {
	srv := newTestServer(t, fakeMP3(10, 1000), 0)
	url := srv.URL + "/episode.mp3"

	s := newTestSlicer(t, testConfig())
	first, err := s.Probe(context.Background(), url)
	require.NoError(t, err)
	requests := srv.requests.Load()
	require.Equal(t, int32(2), requests)

	second, err := s.Probe(context.Background(), url)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, requests, srv.requests.Load())

	cfg := testConfig()
	cfg.ProbeCacheTTL = 0
	uncached := newTestSlicer(t, cfg)
	_, err = uncached.Probe(context.Background(), url)
	require.NoError(t, err)
	_, err = uncached.Probe(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, requests+4, srv.requests.Load())
}

func TestRetry(t *testing.T) {
	content := fakeMP3(0, 20000)

	srv := newTestServer(t, content, 2)
	s := newTestSlicer(t, testConfig())

	var buf bytes.Buffer
	plan, n, err := s.Slice(context.Background(), srv.URL+"/episode.mp3", 0, 500*time.Millisecond, &buf)
	require.NoError(t, err)
	require.Equal(t, plan.Range.Len(), n)
	require.Equal(t, content[:n], buf.Bytes())

	// Three failures exhaust three attempts.
	srv = newTestServer(t, content, 3)
	s = newTestSlicer(t, testConfig())
	_, _, err = s.Slice(context.Background(), srv.URL+"/episode.mp3", 0, time.Second, &buf)
	require.Error(t, err)
	require.Equal(t, int32(3), srv.requests.Load())
}

func TestRunningProcessesJobs(t *testing.T) {
	content := fakeMP3(64, 100000)
	srv := newTestServer(t, content, 0)

	cfg := testConfig()
	cfg.Dir = t.TempDir()
	cfg.URL = srv.URL + "/episode.mp3"
	cfg.End = time.Second
	cfg.Jobs = []Job{
		{URL: srv.URL + "/episode.mp3", Start: time.Second, End: 2 * time.Second, Output: "second.mp3"},
		{URL: srv.URL + "/missing.mp3", End: time.Second},
	}
	s := newTestSlicer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.running(ctx) }()

	require.Eventually(t, func() bool {
		_, err1 := os.Stat(filepath.Join(cfg.Dir, "second.mp3"))
		_, err2 := os.Stat(filepath.Join(cfg.Dir, "episode_0s-1s.mp3"))
		return err1 == nil && err2 == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunningExitsAfterJobs(t *testing.T) {
	srv := newTestServer(t, fakeMP3(64, 100000), 0)

	cfg := testConfig()
	cfg.Dir = t.TempDir()
	cfg.ExitAfterJobs = true
	cfg.Jobs = []Job{{URL: srv.URL + "/episode.mp3", End: time.Second, Output: "first.mp3"}}

	err := newTestSlicer(t, cfg).running(context.Background())
	require.Equal(t, modules.ErrStopProcess, err)
	require.FileExists(t, filepath.Join(cfg.Dir, "first.mp3"))

	cfg.Jobs = append(cfg.Jobs, Job{URL: srv.URL + "/missing.mp3", End: time.Second})
	err = newTestSlicer(t, cfg).running(context.Background())
	require.EqualError(t, err, "1 of 2 slice jobs failed")
}
