// Package tracker is the entry point the front end talks to. It turns
// caller commands into ledger writes, registry changes, status lookups and
// reports, and returns structured results for the front end to render.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"submission-ledger/internal/attachment"
	"submission-ledger/internal/consistency"
	"submission-ledger/internal/datekey"
	"submission-ledger/internal/ledger"
	"submission-ledger/internal/participant"
	"submission-ledger/internal/reminder"
)

// DefaultActivity labels submissions that name no activity.
const DefaultActivity = "No Name"

var (
	ErrNoAttachment  = errors.New("submission has no attachment")
	ErrNotPrivileged = errors.New("caller is not privileged")
)

// Command is one caller request as delivered by the messaging front end.
type Command struct {
	CallerID          string   `json:"caller_id"`
	CallerDisplayName string   `json:"caller_display_name"`
	Privileged        bool     `json:"-"`
	PrivateChannel    bool     `json:"private_channel"`
	Attachments       []string `json:"attachments"`
	FreeText          string   `json:"text"`
}

type Config struct {
	Clock               datekey.Clock
	Location            *time.Location
	BoundaryHour        int
	BoundaryMinute      int
	Registry            *participant.Registry
	Ledger              *ledger.Ledger
	Counter             *reminder.DailyCounter
	Aggregator          *consistency.Aggregator
	Attachments         attachment.Store
	Prompter            reminder.Sink
	RegistrationTimeout time.Duration
	Log                 logrus.FieldLogger
}

type Service struct {
	cfg     Config
	log     logrus.FieldLogger
	replies *replies
}

func New(cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = datekey.SystemClock{Location: cfg.Location}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Attachments == nil {
		cfg.Attachments = attachment.Passthrough{}
	}
	if cfg.Prompter == nil {
		cfg.Prompter = reminder.LogSink{Log: cfg.Log}
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = time.Minute
	}
	return &Service{cfg: cfg, log: cfg.Log, replies: newReplies()}
}

// RebuildCounter seeds the daily counter from the ledger of the day it
// should be tracking now. Call it once at startup before serving traffic.
func (s *Service) RebuildCounter(ctx context.Context) error {
	day := reminder.BoundaryDay(s.cfg.Clock.Now(), s.cfg.BoundaryHour, s.cfg.BoundaryMinute, s.cfg.Location)
	counts, err := s.cfg.Ledger.Submitters(ctx, day)
	if err != nil {
		return fmt.Errorf("rebuild daily counter for %s: %w", day, err)
	}
	s.cfg.Counter.Seed(day, counts)
	s.log.WithFields(logrus.Fields{"day": day, "submitters": len(counts)}).Info("daily counter rebuilt")
	return nil
}

type SubmitResult struct {
	Outcome ledger.Outcome `json:"outcome"`
	Record  ledger.Record  `json:"record"`
	// CountsToday is set when the submission counted towards the current
	// day's reminder.
	CountsToday bool `json:"counts_today"`
}

// Submit records the caller's activity for rawDate, or for today when
// rawDate is empty. Only the first attachment is kept.
func (s *Service) Submit(ctx context.Context, cmd Command, rawDate string) (SubmitResult, error) {
	if !s.cfg.Registry.IsRegistered(cmd.CallerID) {
		return SubmitResult{}, participant.ErrNotRegistered
	}
	if len(cmd.Attachments) == 0 || cmd.Attachments[0] == "" {
		return SubmitResult{}, ErrNoAttachment
	}
	day := datekey.Today(s.cfg.Clock)
	if strings.TrimSpace(rawDate) != "" {
		var err error
		if day, err = datekey.Normalize(rawDate); err != nil {
			return SubmitResult{}, err
		}
	}
	activity := strings.TrimSpace(cmd.FreeText)
	if activity == "" {
		activity = DefaultActivity
	}
	rec := ledger.Record{Day: day, ParticipantID: cmd.CallerID, Activity: activity}

	// Skip the download for a resubmission we can already see.
	dup, err := s.cfg.Ledger.Contains(ctx, day, cmd.CallerID, activity)
	if err != nil {
		return SubmitResult{}, err
	}
	if dup {
		return SubmitResult{Outcome: ledger.DuplicateIgnored, Record: rec}, nil
	}

	ref, err := s.cfg.Attachments.Relocate(ctx, cmd.Attachments[0])
	if err != nil {
		return SubmitResult{}, err
	}
	rec.AttachmentRef = ref
	res, err := s.record(ctx, rec)
	if err != nil || res.Outcome == ledger.DuplicateIgnored {
		// A concurrent submission won, or nothing was written: the relocated
		// copy is unreferenced.
		if derr := s.cfg.Attachments.Discard(context.WithoutCancel(ctx), ref); derr != nil {
			s.log.WithError(derr).WithField("ref", ref).Warn("discard unused attachment")
		}
		if err == nil {
			res.Record.AttachmentRef = ""
		}
	}
	return res, err
}

func (s *Service) record(ctx context.Context, rec ledger.Record) (SubmitResult, error) {
	out, err := s.cfg.Ledger.AppendIfAbsent(ctx, rec)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{Outcome: out, Record: rec}
	if out == ledger.Inserted {
		res.CountsToday = s.cfg.Counter.IncrementIfCurrent(rec.Day, rec.ParticipantID)
	}
	s.log.WithFields(logrus.Fields{
		"participant": rec.ParticipantID,
		"day":         rec.Day,
		"activity":    rec.Activity,
		"outcome":     out,
	}).Info("submission handled")
	return res, nil
}

// Register adds the caller using the supplied text as their display name,
// falling back to the name the platform reports.
func (s *Service) Register(ctx context.Context, cmd Command) (participant.Participant, error) {
	name := strings.TrimSpace(cmd.FreeText)
	if name == "" {
		name = cmd.CallerDisplayName
	}
	return s.cfg.Registry.Register(ctx, cmd.CallerID, name)
}

// RegisterInteractive prompts the caller for their real name and waits for
// the reply delivered through Deliver. On timeout nothing is registered.
func (s *Service) RegisterInteractive(ctx context.Context, cmd Command) (participant.Participant, error) {
	if s.cfg.Registry.IsRegistered(cmd.CallerID) {
		return participant.Participant{}, participant.ErrAlreadyRegistered
	}
	prompt := func() error {
		return s.cfg.Prompter.Notify(ctx, reminder.Notice{
			Kind:          reminder.KindRegistrationPrompt,
			ParticipantID: cmd.CallerID,
			DisplayName:   cmd.CallerDisplayName,
		})
	}
	reply, err := s.replies.await(ctx, cmd.CallerID, s.cfg.RegistrationTimeout, prompt)
	if err != nil {
		s.log.WithError(err).WithField("participant", cmd.CallerID).Info("registration abandoned")
		return participant.Participant{}, err
	}
	return s.Register(ctx, Command{CallerID: cmd.CallerID, CallerDisplayName: cmd.CallerDisplayName, FreeText: reply})
}

// Deliver routes a caller's message to a pending registration prompt. It
// reports whether anyone was waiting.
func (s *Service) Deliver(callerID, text string) bool {
	return s.replies.deliver(callerID, text)
}

type Status struct {
	Day       datekey.Key `json:"day"`
	Count     int         `json:"count"`
	Submitted bool        `json:"submitted"`
}

// Status reports the caller's submissions for the day being tracked.
func (s *Service) Status(cmd Command) (Status, error) {
	if !s.cfg.Registry.IsRegistered(cmd.CallerID) {
		return Status{}, participant.ErrNotRegistered
	}
	n := s.cfg.Counter.Count(cmd.CallerID)
	return Status{Day: s.cfg.Counter.Day(), Count: n, Submitted: n > 0}, nil
}

type Summary struct {
	Day       datekey.Key               `json:"day"`
	Submitted []participant.Participant `json:"submitted"`
	Pending   []participant.Participant `json:"pending"`
}

// Summary splits the roster into submitted and pending for the current day.
func (s *Service) Summary(cmd Command) (Summary, error) {
	if !cmd.Privileged {
		return Summary{}, ErrNotPrivileged
	}
	day := s.cfg.Counter.Day()
	counts := s.cfg.Counter.Submitted()
	sum := Summary{Day: day, Submitted: []participant.Participant{}, Pending: []participant.Participant{}}
	for p := range s.cfg.Registry.All() {
		if counts[p.ID] > 0 {
			sum.Submitted = append(sum.Submitted, p)
		} else {
			sum.Pending = append(sum.Pending, p)
		}
	}
	return sum, nil
}

// Participants lists the roster in registration order.
func (s *Service) Participants() []participant.Participant {
	return s.cfg.Registry.Snapshot()
}

// WeeklyReport scores the ISO week containing rawRef, or the current week
// when rawRef is empty.
func (s *Service) WeeklyReport(ctx context.Context, cmd Command, rawRef string, overwrite bool) (consistency.Report, error) {
	if !cmd.Privileged {
		return consistency.Report{}, ErrNotPrivileged
	}
	ref := datekey.Today(s.cfg.Clock)
	if strings.TrimSpace(rawRef) != "" {
		var err error
		if ref, err = datekey.Normalize(rawRef); err != nil {
			return consistency.Report{}, err
		}
	}
	return s.cfg.Aggregator.Generate(ctx, consistency.Weekly(ref), s.cfg.Registry.Snapshot(), overwrite)
}

// MonthlyReport scores a calendar month over the days that have a ledger.
func (s *Service) MonthlyReport(ctx context.Context, cmd Command, year int, month time.Month, overwrite bool) (consistency.Report, error) {
	if !cmd.Privileged {
		return consistency.Report{}, ErrNotPrivileged
	}
	rng, err := consistency.Monthly(ctx, s.cfg.Ledger, year, month)
	if err != nil {
		return consistency.Report{}, err
	}
	return s.cfg.Aggregator.Generate(ctx, rng, s.cfg.Registry.Snapshot(), overwrite)
}
