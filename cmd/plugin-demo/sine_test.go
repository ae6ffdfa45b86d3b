package main

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/danmuck/sourceagent/internal/remoting"
	"github.com/danmuck/sourceagent/internal/testutil/testlog"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) Log(level, message string) {
	c.lines = append(c.lines, level+": "+message)
}

func sample(buf []byte, i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[i*sineSampleWidth:]))
}

func TestSineReadSingleProducesExpectedSamples(t *testing.T) {
	testlog.Start(t)
	src := newSineSource(sineConfig{SampleRateHz: 4, Amplitude: 2})
	logger := &captureLogger{}
	err := src.SetContext(context.Background(), remoting.Context{
		Type:            "Demo.Sine",
		ResourceLocator: "memory://sine",
		Configuration:   map[string]string{"frequency_hz": "0.25"},
	}, logger)
	if err != nil {
		t.Fatalf("set context: %v", err)
	}
	if len(logger.lines) != 1 {
		t.Fatalf("expected one log line, got %v", logger.lines)
	}

	buf, err := src.ReadSingle(context.Background(), sineCatalogID+"/wave", 4, sineEpoch, sineEpoch.Add(4*time.Second))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(buf) != 4*sineSampleWidth {
		t.Fatalf("unexpected length: %d", len(buf))
	}
	want := []float64{0, 2, 0, -2}
	for i, w := range want {
		if got := sample(buf, i); math.Abs(got-w) > 1e-9 {
			t.Fatalf("sample %d got=%v want=%v", i, got, w)
		}
	}

	if _, err := src.ReadSingle(context.Background(), "/OTHER/x", 1, sineEpoch, sineEpoch.Add(time.Second)); err == nil {
		t.Fatalf("expected unknown resource error")
	}
}

func TestSineRejectsBadFrequency(t *testing.T) {
	testlog.Start(t)
	src := newSineSource(defaultSineConfig())
	err := src.SetContext(context.Background(), remoting.Context{
		Configuration: map[string]string{"frequency_hz": "-3"},
	}, &captureLogger{})
	if err == nil {
		t.Fatalf("expected frequency error")
	}
}

func TestSineAvailabilityStopsAtNow(t *testing.T) {
	testlog.Start(t)
	src := newSineSource(defaultSineConfig())
	now := sineEpoch.Add(10 * time.Second)
	src.now = func() time.Time { return now }

	got, err := src.GetAvailability(context.Background(), sineCatalogID, sineEpoch, sineEpoch.Add(20*time.Second))
	if err != nil || got != 0.5 {
		t.Fatalf("unexpected availability: %v err=%v", got, err)
	}
	got, _ = src.GetAvailability(context.Background(), sineCatalogID, now.Add(time.Second), now.Add(2*time.Second))
	if got != 0 {
		t.Fatalf("future interval should be unavailable, got %v", got)
	}
	begin, end, err := src.GetTimeRange(context.Background(), sineCatalogID)
	if err != nil || !begin.Equal(sineEpoch) || !end.Equal(now) {
		t.Fatalf("unexpected time range: %v %v err=%v", begin, end, err)
	}
}
