// Package ledger stores submissions in one append-only table per day and
// guarantees at most one record per (participant, activity) within a day.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"submission-ledger/internal/datekey"
	"submission-ledger/internal/keylock"
	"submission-ledger/internal/storage"
)

// Header is written exactly once, when a day's table is created.
var Header = []string{"date", "participantId", "attachmentRef", "activityLabel"}

// Outcome reports what AppendIfAbsent did. Neither value is an error.
type Outcome int

const (
	Inserted Outcome = iota + 1
	DuplicateIgnored
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateIgnored:
		return "duplicate_ignored"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "inserted":
		*o = Inserted
	case "duplicate_ignored":
		*o = DuplicateIgnored
	default:
		return fmt.Errorf("unknown outcome %q", b)
	}
	return nil
}

// Record is one accepted submission.
type Record struct {
	Day           datekey.Key `json:"day"`
	ParticipantID string      `json:"participant_id"`
	Activity      string      `json:"activity"`
	AttachmentRef string      `json:"attachment_ref"`
}

func (r Record) row() []string {
	return []string{string(r.Day), r.ParticipantID, r.AttachmentRef, r.Activity}
}

func recordFromRow(day datekey.Key, row []string) Record {
	cell := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	return Record{
		Day:           day,
		ParticipantID: cell(1),
		AttachmentRef: cell(2),
		Activity:      cell(3),
	}
}

func (r Record) sameKey(o Record) bool {
	return r.ParticipantID == o.ParticipantID && r.Activity == o.Activity
}

type Ledger struct {
	store storage.TableStore
	locks *keylock.Map
	log   logrus.FieldLogger
}

func New(store storage.TableStore, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{store: store, locks: keylock.New(), log: log}
}

// GetOrCreate returns the table for day, creating it with Header if this is
// the first write for that day. created reports whether this call made it.
func (l *Ledger) GetOrCreate(ctx context.Context, day datekey.Key) (table *storage.Table, created bool, err error) {
	name := string(day)
	table, err = l.store.GetTable(ctx, name)
	if err == nil {
		return table, false, nil
	}
	if !errors.Is(err, storage.ErrTableNotFound) {
		return nil, false, err
	}
	table, err = l.store.CreateTable(ctx, name, Header)
	if errors.Is(err, storage.ErrTableExists) {
		// Lost a race with another writer; theirs carries the header.
		table, err = l.store.GetTable(ctx, name)
		return table, false, err
	}
	if err != nil {
		return nil, false, err
	}
	l.log.WithField("day", day).Info("day ledger created")
	return table, true, nil
}

// AppendIfAbsent writes rec unless the day already holds a record with the
// same participant and activity. The check and the append happen under the
// day's lock, so concurrent callers with the same key see exactly one
// Inserted.
func (l *Ledger) AppendIfAbsent(ctx context.Context, rec Record) (Outcome, error) {
	unlock := l.locks.Lock(string(rec.Day))
	defer unlock()

	table, _, err := l.GetOrCreate(ctx, rec.Day)
	if err != nil {
		return 0, fmt.Errorf("ledger %s: %w", rec.Day, err)
	}
	rows, err := l.store.ListRows(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("ledger %s: %w", rec.Day, err)
	}
	for _, row := range rows {
		if recordFromRow(rec.Day, row).sameKey(rec) {
			return DuplicateIgnored, nil
		}
	}
	if err := l.store.AppendRow(ctx, table, rec.row()); err != nil {
		return 0, fmt.Errorf("ledger %s: %w", rec.Day, err)
	}
	l.log.WithFields(logrus.Fields{
		"day":         rec.Day,
		"participant": rec.ParticipantID,
		"activity":    rec.Activity,
	}).Debug("submission recorded")
	return Inserted, nil
}

// Contains is an unlocked read used to skip work for obvious duplicates.
// AppendIfAbsent remains the authority.
func (l *Ledger) Contains(ctx context.Context, day datekey.Key, participantID, activity string) (bool, error) {
	recs, _, err := l.Records(ctx, day)
	if err != nil {
		return false, err
	}
	want := Record{ParticipantID: participantID, Activity: activity}
	for _, r := range recs {
		if r.sameKey(want) {
			return true, nil
		}
	}
	return false, nil
}

// Records fetches a day's records once. ok is false when no ledger exists
// for that day.
func (l *Ledger) Records(ctx context.Context, day datekey.Key) (recs []Record, ok bool, err error) {
	table, err := l.store.GetTable(ctx, string(day))
	if errors.Is(err, storage.ErrTableNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rows, err := l.store.ListRows(ctx, table)
	if errors.Is(err, storage.ErrTableNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	recs = make([]Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, recordFromRow(day, row))
	}
	return recs, true, nil
}

// Submitters returns how many records each participant has on day.
func (l *Ledger) Submitters(ctx context.Context, day datekey.Key) (map[string]int, error) {
	recs, _, err := l.Records(ctx, day)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, r := range recs {
		counts[r.ParticipantID]++
	}
	return counts, nil
}

// Days lists every day that has a ledger, oldest first. Tables whose names
// are not canonical day keys (the registry, reports) are skipped.
func (l *Ledger) Days(ctx context.Context) ([]datekey.Key, error) {
	names, err := l.store.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	var days []datekey.Key
	for _, name := range names {
		k, err := datekey.Parse(name)
		if err != nil || string(k) != name {
			continue
		}
		days = append(days, k)
	}
	return days, nil
}
