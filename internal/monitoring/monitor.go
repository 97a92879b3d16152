package monitoring

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultLimit is the soft ceiling for total buffer memory. Crossing
// it is reported, never enforced.
const DefaultLimit = 400 << 20

const defaultSchedule = "@every 30s"

// Report is one observation of buffer memory usage.
type Report struct {
	Usage    int64   `json:"usage"`
	Limit    int64   `json:"limit"`
	Pressure float64 `json:"pressure"`
	Over     bool    `json:"over"`
}

// Monitor periodically samples a usage source and logs when usage
// crosses the soft limit. It is advisory only and never trims or
// blocks anything.
type Monitor struct {
	usage      func() int64
	limit      int64
	schedule   string
	logger     *slog.Logger
	cron       *cron.Cron
	onPressure func(Report)

	mu   sync.Mutex
	over bool
}

type Config struct {
	// Usage returns the current total buffer memory in bytes.
	Usage func() int64

	// Limit is the soft ceiling; DefaultLimit when zero.
	Limit int64

	// Schedule is a cron spec; every 30 seconds when empty.
	Schedule string

	// OnPressure fires once per upward crossing of the limit, from
	// whichever goroutine ran the check.
	OnPressure func(Report)

	Logger *slog.Logger
}

func New(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limit == 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Usage == nil {
		cfg.Usage = func() int64 { return 0 }
	}
	return &Monitor{
		usage:      cfg.Usage,
		limit:      cfg.Limit,
		schedule:   cfg.Schedule,
		logger:     cfg.Logger,
		onPressure: cfg.OnPressure,
		cron:       cron.New(),
	}
}

// Start schedules the periodic check.
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(m.schedule, func() { m.Check() }); err != nil {
		return fmt.Errorf("failed to schedule memory check: %w", err)
	}
	m.cron.Start()
	m.logger.Info("memory monitor started", "schedule", m.schedule, "limit", m.limit)
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// Check samples usage now. Crossings of the soft limit are logged
// once per direction.
func (m *Monitor) Check() Report {
	usage := m.usage()
	rep := Report{Usage: usage, Limit: m.limit}
	if m.limit > 0 {
		rep.Pressure = float64(usage) / float64(m.limit)
		rep.Over = usage > m.limit
	}

	m.mu.Lock()
	crossed := rep.Over != m.over
	m.over = rep.Over
	m.mu.Unlock()

	if crossed {
		if rep.Over {
			m.logger.Warn("buffer memory above soft limit", "usage", usage, "limit", m.limit)
			if m.onPressure != nil {
				m.onPressure(rep)
			}
		} else {
			m.logger.Info("buffer memory back under soft limit", "usage", usage, "limit", m.limit)
		}
	}
	return rep
}
