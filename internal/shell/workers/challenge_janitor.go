package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJanitorSchedule purges expired challenges every five minutes.
const DefaultJanitorSchedule = "@every 5m"

// ExpiredPurger deletes challenges whose expiry is at or before now.
type ExpiredPurger interface {
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error)
}

// ChallengeJanitor removes expired challenges on a cron schedule. It covers
// challenges whose poll task never ran, such as those left by a restart.
type ChallengeJanitor struct {
	store    ExpiredPurger
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time
}

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@every 5m" or "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// NewChallengeJanitor creates a janitor. An empty schedule uses
// DefaultJanitorSchedule.
func NewChallengeJanitor(s ExpiredPurger, schedule string, logger *slog.Logger) (*ChallengeJanitor, error) {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("janitor: invalid cron schedule %q: %w", schedule, err)
	}

	j := &ChallengeJanitor{
		store:    s,
		schedule: schedule,
		timeout:  30 * time.Second,
		cron:     cron.New(),
		logger:   logger.With("component", "challenge_janitor"),
		now:      time.Now,
	}
	j.cron.Schedule(sched, cron.FuncJob(j.runCycle))
	return j, nil
}

// Start begins the cron scheduler.
func (j *ChallengeJanitor) Start() {
	j.cron.Start()
	j.logger.Info("challenge janitor started", "schedule", j.schedule)
}

// Stop stops the scheduler and waits for a running purge to finish.
func (j *ChallengeJanitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("challenge janitor stopped")
}

// RunOnce purges expired challenges and returns how many were removed.
func (j *ChallengeJanitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.store.DeleteExpiredChallenges(ctx, j.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("expired challenges purged", "count", n, "status", "expired")
	}
	return n, nil
}

func (j *ChallengeJanitor) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("failed to purge expired challenges", "error", err)
	}
}
