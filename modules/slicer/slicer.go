package slicer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/mp3slice/pkg/mpeg"
	"github.com/zachfi/mp3slice/pkg/rangefetch"
)

const module = "slicer"

// ErrStartBeyondEOF is returned when the start of a slice maps to a byte at or
// past the end of the resource.
var ErrStartBeyondEOF = errors.New("slice starts beyond the end of the file")

// Slicer cuts time slices out of remote MP3 files. It probes the file for a
// frame header, maps the requested window onto a byte range and fetches only
// that range.
type Slicer struct {
	services.Service
	cfg    *Config
	logger *slog.Logger
	client *rangefetch.Client
	probes *cache.Cache
	tracer trace.Tracer
}

// Probe is what the slicer learns about a remote file before mapping times.
type Probe struct {
	Resource rangefetch.Info     `json:"resource"`
	Window   mpeg.ByteRange      `json:"window"`
	Location mpeg.HeaderLocation `json:"location"`
	// Offset is the absolute position of the header in the resource.
	Offset   int64   `json:"offset"`
	Duration float64 `json:"duration_seconds,omitempty"`
}

// Plan is a probe plus the byte range for one time window.
type Plan struct {
	Probe *Probe         `json:"probe"`
	Start time.Duration  `json:"start"`
	End   time.Duration  `json:"end"`
	Range mpeg.ByteRange `json:"range"`
}

// New creates and returns a new Slicer.
func New(cfg Config, logger slog.Logger) (*Slicer, error) {
	cfg.applyDefaults()
	if cfg.ProbeSize < mpeg.HeaderSize {
		return nil, fmt.Errorf("probe size %d is smaller than a frame header", cfg.ProbeSize)
	}

	s := &Slicer{
		cfg:    &cfg,
		logger: logger.With("module", module),
		tracer: otel.Tracer(module),
	}
	s.client = rangefetch.New(cfg.HTTP, s.logger)
	if cfg.ProbeCacheTTL > 0 {
		s.probes = cache.New(cfg.ProbeCacheTTL, 2*cfg.ProbeCacheTTL)
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)

	return s, nil
}

func (s *Slicer) starting(_ context.Context) error {
	if s.cfg.Dir == "" {
		return nil
	}

	return os.MkdirAll(s.cfg.Dir, os.ModePerm)
}

func (s *Slicer) running(ctx context.Context) error {
	jobs := s.cfg.jobs()
	failed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}

		path, n, err := s.SliceToFile(ctx, job)
		if err != nil {
			failed++
			s.logger.Error("slice job failed", "url", job.URL, "start", job.Start, "end", job.End, "err", err)
			continue
		}
		s.logger.Info("slice saved", "url", job.URL, "path", path, "size", ByteCountIEC(n))
	}

	if s.cfg.ExitAfterJobs {
		if failed > 0 {
			return fmt.Errorf("%d of %d slice jobs failed", failed, len(jobs))
		}
		s.logger.Info("slice jobs done", "jobs", len(jobs))
		// Stops the whole process, the server included.
		return modules.ErrStopProcess
	}

	<-ctx.Done()
	return nil
}

func (s *Slicer) stopping(_ error) error {
	s.logger.Info("stopping")

	if s.probes != nil {
		s.probes.Flush()
	}
	return nil
}

// Probe locates the first frame header of the file at url. Consecutive probe
// windows overlap by three bytes so that a header straddling two windows is
// still seen whole.
func (s *Slicer) Probe(ctx context.Context, url string) (p *Probe, err error) {
	ctx, span := s.tracer.Start(ctx, "Slicer.Probe", trace.WithAttributes(attribute.String("url", url)))
	defer func() { endSpan(span, err, "probe failed") }()

	if s.probes != nil {
		if cached, ok := s.probes.Get(url); ok {
			metricProbesTotal.WithLabelValues("cached").Inc()
			span.SetAttributes(attribute.Bool("cached", true))
			return cached.(*Probe), nil
		}
	}

	var info rangefetch.Info
	err = s.retry(ctx, "resolve", func() error {
		var rerr error
		info, rerr = s.client.Resolve(ctx, url)
		return rerr
	})
	if err != nil {
		metricProbesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to resolve %s: %w", url, err)
	}

	step := s.cfg.ProbeSize - (mpeg.HeaderSize - 1)
	for attempt := 0; attempt < s.cfg.ProbeAttempts; attempt++ {
		window := mpeg.ByteRange{Start: s.cfg.ProbeOffset + int64(attempt)*step}
		window.End = window.Start + s.cfg.ProbeSize - 1
		if info.Size >= 0 && window.Start >= info.Size {
			break
		}

		var buf []byte
		err = s.retry(ctx, "probe", func() error {
			var rerr error
			buf, rerr = s.client.ReadRange(ctx, info.URL, window)
			return rerr
		})
		if err != nil {
			// Without a size from HEAD, running off the end shows up as a 416.
			if attempt > 0 && errors.Is(err, rangefetch.ErrRangeNotSatisfiable) {
				s.logger.Debug("probe window past the end of the file", "url", info.URL, "window", window.String())
				break
			}
			metricProbesTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to read probe window %s: %w", window, err)
		}

		loc, scanErr := mpeg.Scan(buf)
		if errors.Is(scanErr, mpeg.ErrHeaderNotFound) {
			s.logger.Debug("no frame header in probe window", "url", info.URL, "window", window.String(), "read", len(buf))
			continue
		}
		if scanErr != nil {
			return nil, scanErr
		}

		p = &Probe{
			Resource: info,
			Window:   window,
			Location: loc,
			Offset:   window.Start + int64(loc.Offset),
		}
		if info.Size > p.Offset {
			var durErr error
			if p.Duration, durErr = mpeg.EstimateDuration(loc.Header, p.Offset, info.Size); durErr != nil {
				s.logger.Debug("unable to estimate duration", "url", info.URL, "header", loc.Header.String(), "err", durErr)
			}
		}

		s.logger.Debug("frame header found", "url", info.URL, "offset", p.Offset, "header", loc.Header.String())
		metricProbesTotal.WithLabelValues("found").Inc()
		metricProbeWindows.Observe(float64(attempt + 1))
		metricHeaderOffset.Observe(float64(p.Offset))

		if s.probes != nil {
			s.probes.SetDefault(url, p)
		}
		return p, nil
	}

	metricProbesTotal.WithLabelValues("not_found").Inc()
	return nil, fmt.Errorf("%w: %d probe windows of %d bytes from offset %d of %s",
		mpeg.ErrHeaderNotFound, s.cfg.ProbeAttempts, s.cfg.ProbeSize, s.cfg.ProbeOffset, info.URL)
}

// Plan probes url and maps [start, end] onto a byte range. When the size of
// the resource is known the end is clamped to the last byte.
func (s *Slicer) Plan(ctx context.Context, url string, start, end time.Duration) (*Plan, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: window %s-%s", mpeg.ErrMalformedInput, start, end)
	}

	p, err := s.Probe(ctx, url)
	if err != nil {
		return nil, err
	}

	r, err := mpeg.MapRange(p.Location.Header, p.Offset, start.Seconds(), end.Seconds())
	if err != nil {
		return nil, err
	}

	if size := p.Resource.Size; size >= 0 {
		if r.Start >= size {
			return nil, fmt.Errorf("%w: byte %d of %d", ErrStartBeyondEOF, r.Start, size)
		}
		if r.End >= size {
			r.End = size - 1
		}
	}

	return &Plan{Probe: p, Start: start, End: end, Range: r}, nil
}

// Stream copies the planned byte range into w.
func (s *Slicer) Stream(ctx context.Context, plan *Plan, w io.Writer) (n int64, err error) {
	ctx, span := s.tracer.Start(ctx, "Slicer.Stream", trace.WithAttributes(
		attribute.String("url", plan.Probe.Resource.URL),
		attribute.String("range", plan.Range.Header()),
	))
	defer func() { endSpan(span, err, "stream failed") }()

	var body io.ReadCloser
	err = s.retry(ctx, "fetch", func() error {
		var ferr error
		body, ferr = s.client.Fetch(ctx, plan.Probe.Resource.URL, plan.Range)
		return ferr
	})
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err = io.Copy(w, body)
	metricBytesWritten.Add(float64(n))
	if err != nil {
		return n, fmt.Errorf("failed to copy %s: %w", plan.Range, err)
	}

	return n, nil
}

// Slice plans and streams one slice into w.
func (s *Slicer) Slice(ctx context.Context, url string, start, end time.Duration, w io.Writer) (*Plan, int64, error) {
	plan, err := s.Plan(ctx, url, start, end)
	if err != nil {
		metricSlicesTotal.WithLabelValues("error").Inc()
		return nil, 0, err
	}

	n, err := s.Stream(ctx, plan, w)
	if err != nil {
		metricSlicesTotal.WithLabelValues("error").Inc()
		return plan, n, err
	}

	metricSlicesTotal.WithLabelValues("success").Inc()
	return plan, n, nil
}

// SliceToFile runs a job and commits the slice to its output path, returning
// the path and the bytes written. Nothing is left behind on failure.
func (s *Slicer) SliceToFile(ctx context.Context, job Job) (string, int64, error) {
	dest := s.outputPath(job)

	sink, err := newFileSink(dest, s.cfg.WriteBufferSize, s.logger)
	if err != nil {
		return "", 0, err
	}

	_, n, err := s.Slice(ctx, job.URL, job.Start, job.End, sink)
	if err != nil {
		sink.Abort()
		return "", n, err
	}

	if err := sink.Commit(); err != nil {
		return "", n, err
	}

	return dest, n, nil
}

func endSpan(span trace.Span, err error, message string) {
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("%s: %s", message, err))
		return
	}
	span.SetStatus(codes.Ok, "ok")
}

// retry runs fn until it succeeds, fails with an error that retrying cannot
// fix, or the retry budget runs out.
func (s *Slicer) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.RetryBackoff,
		MaxBackoff: s.cfg.RetryBackoffMax,
		MaxRetries: s.cfg.MaxRetries,
	})

	var err error
	for b.Ongoing() {
		err = fn()
		if err == nil || !rangefetch.Retryable(err) {
			return err
		}

		s.logger.Warn("request failed, retrying", "op", op, "attempt", b.NumRetries()+1, "err", err)
		metricRetriesTotal.WithLabelValues(op).Inc()
		b.Wait()
	}

	if err != nil {
		return err
	}
	return b.Err()
}
