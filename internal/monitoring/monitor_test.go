package monitoring

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestCheck_ReportsPressure(t *testing.T) {
	m := New(Config{
		Usage:  func() int64 { return 100 << 20 },
		Limit:  400 << 20,
		Logger: slog.New(slog.NewTextHandler(&logSink{}, nil)),
	})

	rep := m.Check()
	if rep.Usage != 100<<20 || rep.Limit != 400<<20 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.Pressure != 0.25 {
		t.Fatalf("expected pressure 0.25, got %f", rep.Pressure)
	}
	if rep.Over {
		t.Fatal("expected usage under the limit")
	}
}

func TestCheck_LogsCrossingsOncePerDirection(t *testing.T) {
	var usage atomic.Int64
	sink := &logSink{}
	m := New(Config{
		Usage:  func() int64 { return usage.Load() },
		Limit:  100,
		Logger: slog.New(slog.NewTextHandler(sink, nil)),
	})

	usage.Store(50)
	if rep := m.Check(); rep.Over {
		t.Fatal("expected under limit")
	}

	usage.Store(150)
	for i := 0; i < 3; i++ {
		if rep := m.Check(); !rep.Over {
			t.Fatal("expected over limit")
		}
	}
	if n := strings.Count(sink.String(), "buffer memory above soft limit"); n != 1 {
		t.Fatalf("expected a single warning for the crossing, got %d", n)
	}

	usage.Store(50)
	m.Check()
	if n := strings.Count(sink.String(), "buffer memory back under soft limit"); n != 1 {
		t.Fatalf("expected a single recovery line, got %d", n)
	}
}

func TestCheck_FiresOnPressureOncePerCrossing(t *testing.T) {
	var usage atomic.Int64
	var fired atomic.Int64
	var last Report
	m := New(Config{
		Usage: func() int64 { return usage.Load() },
		Limit: 100,
		OnPressure: func(rep Report) {
			fired.Add(1)
			last = rep
		},
		Logger: slog.New(slog.NewTextHandler(&logSink{}, nil)),
	})

	usage.Store(150)
	m.Check()
	m.Check()
	if n := fired.Load(); n != 1 {
		t.Fatalf("expected one callback for the crossing, got %d", n)
	}
	if !last.Over || last.Usage != 150 {
		t.Fatalf("unexpected callback report %+v", last)
	}

	// dropping under and crossing again fires once more
	usage.Store(50)
	m.Check()
	usage.Store(200)
	m.Check()
	if n := fired.Load(); n != 2 {
		t.Fatalf("expected a second callback after recovery, got %d", n)
	}
}

func TestStartStop_RunsScheduledChecks(t *testing.T) {
	var samples atomic.Int64
	m := New(Config{
		Usage:    func() int64 { samples.Add(1); return 0 },
		Schedule: "@every 10ms",
		Logger:   slog.New(slog.NewTextHandler(&logSink{}, nil)),
	})

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if samples.Load() >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected scheduled checks to sample usage")
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	m := New(Config{
		Schedule: "not a schedule",
		Logger:   slog.New(slog.NewTextHandler(&logSink{}, nil)),
	})
	if err := m.Start(); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}
