package slicer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/zachfi/mp3slice/pkg/mpeg"
	"github.com/zachfi/mp3slice/pkg/rangefetch"
)

const rangeHeader = "X-Mp3slice-Range"

// SliceHandler serves GET /slice?url=&start=&end= with the audio bytes of the
// window. Times are Go durations or plain seconds.
func (s *Slicer) SliceHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		src := q.Get("url")
		if src == "" {
			http.Error(w, "missing url", http.StatusBadRequest)
			return
		}

		start, err := parseTime(q.Get("start"), 0)
		if err != nil {
			http.Error(w, "start: "+err.Error(), http.StatusBadRequest)
			return
		}
		end, err := parseTime(q.Get("end"), -1)
		if err != nil {
			http.Error(w, "end: "+err.Error(), http.StatusBadRequest)
			return
		}

		plan, err := s.Plan(r.Context(), src, start, end)
		if err != nil {
			metricSlicesTotal.WithLabelValues("error").Inc()
			s.logger.Warn("slice request failed", "url", src, "start", start, "end", end, "err", err)
			http.Error(w, err.Error(), httpStatus(err))
			return
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set(rangeHeader, plan.Range.Header())
		if plan.Probe.Resource.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(plan.Range.Len(), 10))
		}

		// Headers are committed by the first write, so a failure mid-stream can
		// only be logged.
		n, err := s.Stream(r.Context(), plan, w)
		if err != nil {
			metricSlicesTotal.WithLabelValues("error").Inc()
			s.logger.Error("error streaming slice", "url", src, "range", plan.Range.Header(), "written", ByteCountIEC(n), "err", err)
			if n == 0 {
				w.Header().Del("Content-Length")
				w.Header().Del(rangeHeader)
				http.Error(w, err.Error(), httpStatus(err))
			}
			return
		}

		metricSlicesTotal.WithLabelValues("success").Inc()
		s.logger.Info("slice served", "url", src, "range", plan.Range.Header(), "size", ByteCountIEC(n))
	})
}

// ProbeHandler serves GET /probe?url= with the located frame header as JSON.
func (s *Slicer) ProbeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src := r.URL.Query().Get("url")
		if src == "" {
			http.Error(w, "missing url", http.StatusBadRequest)
			return
		}

		p, err := s.Probe(r.Context(), src)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p); err != nil {
			s.logger.Error("error encoding probe", "err", err)
		}
	})
}

// parseTime accepts "90s", "1m30s" or "90.5". An empty value yields def, or an
// error when def is negative.
func parseTime(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		if def < 0 {
			return 0, errors.New("required")
		}
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		secs, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("invalid time %q", v)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return 0, fmt.Errorf("negative time %q", v)
	}

	return d, nil
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, mpeg.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, mpeg.ErrHeaderNotFound), errors.Is(err, mpeg.ErrInvalidHeaderForMapping):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrStartBeyondEOF), errors.Is(err, rangefetch.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusBadGateway
	}
}
