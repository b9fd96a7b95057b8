package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rallybot/pkg/logx"
)

// FireFunc handles one trigger of an event's recurring job. It runs on the
// job's own goroutine; a slow handler never blocks the cron clock or other
// events' fires.
type FireFunc func(eventID int64)

// Scheduler owns at most one recurring job per event id.
type Scheduler struct {
	mu sync.Mutex

	log    logx.Logger
	fire   FireFunc
	parser cron.Parser
	c      *cron.Cron

	entries map[int64]cron.EntryID
	rules   map[int64]Rule
}

func New(fire FireFunc, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		log:     log,
		fire:    fire,
		parser:  parser,
		c:       cron.New(cron.WithParser(parser)),
		entries: map[int64]cron.EntryID{},
		rules:   map[int64]Rule{},
	}
}

func (s *Scheduler) Start() {
	s.c.Start()
	s.log.Info("scheduler started")
}

// Stop halts the cron clock. In-flight fires finish on their own goroutines;
// Stop waits for them up to the context deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for running jobs")
	}
	s.log.Info("scheduler stopped")
}

// Schedule installs the recurring job for eventID, replacing any existing
// job for the same id. Remove-then-insert happens under the lock, so rapid
// reschedules still leave exactly one active job per id.
func (s *Scheduler) Schedule(eventID int64, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[eventID]; ok {
		s.c.Remove(old)
		delete(s.entries, eventID)
		delete(s.rules, eventID)
	}

	id, err := s.c.AddFunc(r.CronSpec(), func() { s.fire(eventID) })
	if err != nil {
		return err
	}
	s.entries[eventID] = id
	s.rules[eventID] = r
	s.log.Info("job scheduled",
		logx.Int64("event_id", eventID),
		logx.String("weekday", r.Weekday.String()),
		logx.String("at", r.At()),
		logx.String("tz", r.TZ))
	return nil
}

// Cancel removes the job for eventID. Cancelling an unknown id is a no-op.
func (s *Scheduler) Cancel(eventID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[eventID]
	if !ok {
		return
	}
	s.c.Remove(id)
	delete(s.entries, eventID)
	delete(s.rules, eventID)
	s.log.Info("job cancelled", logx.Int64("event_id", eventID))
}

// Rebuild installs one job per rule. This is the sole recovery path after a
// restart: callers pass every persisted event with a decodable schedule.
// A rule that fails to install is logged and skipped, never blocking the rest.
func (s *Scheduler) Rebuild(rules map[int64]Rule) int {
	installed := 0
	for id, r := range rules {
		if err := s.Schedule(id, r); err != nil {
			s.log.Warn("skipping unschedulable rule",
				logx.Int64("event_id", id), logx.Err(err))
			continue
		}
		installed++
	}
	s.log.Info("scheduler rebuilt", logx.Int("jobs", installed))
	return installed
}

// Active returns the event ids with an installed job, sorted.
func (s *Scheduler) Active() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NextRun reports the next fire time for eventID, if a job is installed
// and the cron clock is running.
func (s *Scheduler) NextRun(eventID int64) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[eventID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.c.Entry(id)
	if !e.Valid() || e.Next.IsZero() {
		return time.Time{}, false
	}
	return e.Next, true
}

// RuleFor returns the currently installed rule for eventID.
func (s *Scheduler) RuleFor(eventID int64) (Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[eventID]
	return r, ok
}
