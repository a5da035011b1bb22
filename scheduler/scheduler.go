package scheduler

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var timeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// Scheduler runs named recurring jobs. A job never overlaps with its own
// previous run.
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	mu       sync.Mutex
	entries  map[string]cron.EntryID
	started  bool
}

// NewScheduler creates a new scheduler for the given timezone.
func NewScheduler(timezone string) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		location: loc,
		entries:  make(map[string]cron.EntryID),
	}, nil
}

// Schedule registers fn under name, replacing any job with the same name.
// spec is a cron expression, a descriptor such as "@every 30s", or a daily
// time in HH:MM format.
func (s *Scheduler) Schedule(name, spec string, fn func()) error {
	cronSpec, err := toCronSpec(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}

	entryID, err := s.cron.AddFunc(cronSpec, func() {
		start := time.Now()
		fn()
		slog.Debug("job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("add cron job %s: %w", name, err)
	}
	s.entries[name] = entryID

	return nil
}

// Remove unregisters the job with the given name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Next returns the next run time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

func toCronSpec(spec string) (string, error) {
	if spec == "" {
		return "", fmt.Errorf("empty schedule")
	}
	if !timeRegex.MatchString(spec) {
		if _, err := cron.ParseStandard(spec); err != nil {
			return "", fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
		return spec, nil
	}
	hour, minute, err := parseTime(spec)
	if err != nil {
		return "", err
	}
	return buildCronSpec(hour, minute), nil
}

func parseTime(timeStr string) (int, int, error) {
	matches := timeRegex.FindStringSubmatch(timeStr)
	if len(matches) != 3 {
		return 0, 0, fmt.Errorf("invalid time format: %q (expected HH:MM)", timeStr)
	}

	hour, _ := strconv.Atoi(matches[1])
	minute, _ := strconv.Atoi(matches[2])

	return hour, minute, nil
}

func buildCronSpec(hour, minute int) string {
	// Cron format: minute hour day month weekday
	return fmt.Sprintf("%d %d * * *", minute, hour)
}
