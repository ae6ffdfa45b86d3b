package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sourceagent/internal/remoting"
)

const (
	sineCatalogID   = "/DEMO/SINE"
	sineSampleWidth = 8
)

var sineEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

type sineConfig struct {
	SampleRateHz float64 `toml:"sample_rate_hz"`
	Amplitude    float64 `toml:"amplitude"`
}

func defaultSineConfig() sineConfig {
	return sineConfig{SampleRateHz: 1, Amplitude: 1}
}

// sineSource serves a float64 sine wave computed from wall time. Samples are
// little-endian IEEE 754.
type sineSource struct {
	cfg sineConfig
	now func() time.Time

	mu        sync.RWMutex
	frequency float64
	locator   string
}

func newSineSource(cfg sineConfig) *sineSource {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 1
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 1
	}
	return &sineSource{cfg: cfg, now: time.Now, frequency: 1}
}

func (s *sineSource) SetContext(_ context.Context, c remoting.Context, logger remoting.Logger) error {
	frequency := 1.0
	if raw := strings.TrimSpace(c.Configuration["frequency_hz"]); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || math.IsInf(v, 0) {
			return fmt.Errorf("invalid frequency_hz %q", raw)
		}
		frequency = v
	}
	s.mu.Lock()
	s.frequency = frequency
	s.locator = c.ResourceLocator
	s.mu.Unlock()
	logger.Log("Information", fmt.Sprintf("sine source ready locator=%s frequency_hz=%g", c.ResourceLocator, frequency))
	return nil
}

func (s *sineSource) GetCatalogIDs(context.Context) ([]string, error) {
	return []string{sineCatalogID}, nil
}

func (s *sineSource) GetCatalog(_ context.Context, catalogID string) (any, error) {
	if catalogID != sineCatalogID {
		return nil, fmt.Errorf("unknown catalog %q", catalogID)
	}
	return map[string]any{
		"id": sineCatalogID,
		"resources": []map[string]any{{
			"id":             "wave",
			"unit":           "1",
			"dataType":       "FLOAT64",
			"samplePeriodMs": 1000 / s.cfg.SampleRateHz,
		}},
	}, nil
}

func (s *sineSource) GetTimeRange(_ context.Context, catalogID string) (time.Time, time.Time, error) {
	if catalogID != sineCatalogID {
		return time.Time{}, time.Time{}, fmt.Errorf("unknown catalog %q", catalogID)
	}
	return sineEpoch, s.now().UTC().Truncate(time.Second), nil
}

func (s *sineSource) GetAvailability(_ context.Context, catalogID string, begin, end time.Time) (float64, error) {
	if catalogID != sineCatalogID {
		return 0, fmt.Errorf("unknown catalog %q", catalogID)
	}
	if !end.After(begin) {
		return 0, nil
	}
	now := s.now()
	covered := end
	if covered.After(now) {
		covered = now
	}
	start := begin
	if start.Before(sineEpoch) {
		start = sineEpoch
	}
	if !covered.After(start) {
		return 0, nil
	}
	return float64(covered.Sub(start)) / float64(end.Sub(begin)), nil
}

func (s *sineSource) ReadSingle(_ context.Context, path string, n int, begin, end time.Time) ([]byte, error) {
	if !strings.HasPrefix(path, sineCatalogID+"/") {
		return nil, fmt.Errorf("unknown resource %q", path)
	}
	if n < 0 {
		return nil, errors.New("negative sample count")
	}
	s.mu.RLock()
	frequency := s.frequency
	s.mu.RUnlock()

	buf := make([]byte, n*sineSampleWidth)
	if n == 0 {
		return buf, nil
	}
	step := end.Sub(begin).Seconds() / float64(n)
	origin := begin.Sub(sineEpoch).Seconds()
	for i := 0; i < n; i++ {
		t := origin + float64(i)*step
		v := s.cfg.Amplitude * math.Sin(2*math.Pi*frequency*t)
		binary.LittleEndian.PutUint64(buf[i*sineSampleWidth:], math.Float64bits(v))
	}
	return buf, nil
}
