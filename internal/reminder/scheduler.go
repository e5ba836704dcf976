// Package reminder runs the daily boundary: at a fixed local time it works
// out who has not submitted, notifies them, and starts a fresh day.
package reminder

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"submission-ledger/internal/datekey"
	"submission-ledger/internal/participant"
)

var ErrAlreadyStarted = errors.New("scheduler already started")

type State int32

const (
	Open State = iota
	Rolling
)

func (s State) String() string {
	if s == Rolling {
		return "rolling"
	}
	return "open"
}

// Roster yields the participants who count towards the pending set.
type Roster interface {
	All() iter.Seq[participant.Participant]
}

type Config struct {
	Hour     int
	Minute   int
	Location *time.Location
	Clock    datekey.Clock
	Counter  *DailyCounter
	Roster   Roster
	Sink     Sink
	Log      logrus.FieldLogger
	// After waits for the next trigger. Defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

// Roll is the outcome of one boundary transition.
type Roll struct {
	Day       datekey.Key               `json:"day"`
	Next      datekey.Key               `json:"next"`
	At        time.Time                 `json:"at"`
	Submitted map[string]int            `json:"submitted"`
	Pending   []participant.Participant `json:"pending"`
	Failed    []string                  `json:"failed,omitempty"`
}

type Scheduler struct {
	cfg     Config
	log     logrus.FieldLogger
	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}

	fireMu sync.Mutex
	lastMu sync.Mutex
	last   *Roll
}

func New(cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = datekey.SystemClock{Location: cfg.Location}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Sink == nil {
		cfg.Sink = LogSink{Log: cfg.Log}
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	return &Scheduler{
		cfg:  cfg,
		log:  cfg.Log.WithField("component", "scheduler"),
		done: make(chan struct{}),
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// LastRoll returns the most recent transition, or nil before the first.
func (s *Scheduler) LastRoll() *Roll {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// NextTrigger returns the first trigger instant strictly after now.
func (s *Scheduler) NextTrigger(now time.Time) time.Time {
	local := now.In(s.cfg.Location)
	t := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.Hour, s.cfg.Minute, 0, 0, s.cfg.Location)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// BoundaryDay returns the day whose submissions the counter should be
// tracking at now: today before the trigger time, tomorrow from it onwards.
func BoundaryDay(now time.Time, hour, minute int, loc *time.Location) datekey.Key {
	local := now.In(loc)
	trigger := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	today := datekey.FromTime(local)
	if local.Before(trigger) {
		return today
	}
	return today.AddDays(1)
}

// Start launches the timer loop. It may be called once per scheduler; later
// calls return ErrAlreadyStarted. The loop exits when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go s.run(ctx)
	return nil
}

// Done is closed once the loop started by Start has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	var lastTrigger time.Time
	for {
		from := s.cfg.Clock.Now()
		// A timer that fires a hair early must not pick the same trigger twice.
		if !lastTrigger.IsZero() && !from.After(lastTrigger) {
			from = lastTrigger.Add(time.Second)
		}
		next := s.NextTrigger(from)
		s.log.WithField("next", next.Format(time.RFC3339)).Debug("waiting for daily boundary")

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-s.cfg.After(next.Sub(s.cfg.Clock.Now())):
		}
		lastTrigger = next
		if _, err := s.Fire(ctx); err != nil {
			s.log.WithError(err).Error("daily boundary failed")
		}
	}
}

// Fire performs one Open -> Rolling -> Open transition. The counter is
// swapped for an empty one before any notification goes out, so the reset
// never depends on delivery. A failed delivery is logged and recorded in
// Roll.Failed; it does not stop the others.
func (s *Scheduler) Fire(ctx context.Context) (*Roll, error) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	s.state.Store(int32(Rolling))
	defer s.state.Store(int32(Open))

	now := s.cfg.Clock.Now()
	next := s.cfg.Counter.Day().AddDays(1)
	if b := BoundaryDay(now, s.cfg.Hour, s.cfg.Minute, s.cfg.Location); b > next {
		next = b
	}
	closed, counts := s.cfg.Counter.Roll(next)

	roll := &Roll{Day: closed, Next: next, At: now, Submitted: counts}
	for p := range s.cfg.Roster.All() {
		if counts[p.ID] == 0 {
			roll.Pending = append(roll.Pending, p)
		}
	}

	for _, p := range roll.Pending {
		if ctx.Err() != nil {
			roll.Failed = append(roll.Failed, p.ID)
			continue
		}
		n := Notice{Kind: KindPendingReminder, ParticipantID: p.ID, DisplayName: p.DisplayName, Day: closed}
		if err := s.cfg.Sink.Notify(ctx, n); err != nil {
			roll.Failed = append(roll.Failed, p.ID)
			s.log.WithError(err).WithField("participant", p.ID).Warn("reminder not delivered")
		}
	}

	s.log.WithFields(logrus.Fields{
		"day":       closed,
		"next":      next,
		"submitted": len(counts),
		"pending":   len(roll.Pending),
		"failed":    len(roll.Failed),
	}).Info("daily boundary rolled")

	s.lastMu.Lock()
	s.last = roll
	s.lastMu.Unlock()
	return roll, ctx.Err()
}
