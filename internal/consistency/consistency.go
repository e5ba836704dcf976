// Package consistency folds day ledgers into per-participant consistency
// reports and persists them, one table per range.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"submission-ledger/internal/datekey"
	"submission-ledger/internal/keylock"
	"submission-ledger/internal/ledger"
	"submission-ledger/internal/participant"
	"submission-ledger/internal/storage"
)

var ErrReportAlreadyExists = errors.New("report already exists for this range")

var Header = []string{"displayName", "daysSubmitted", "totalDays", "percentage"}

// DayReader fetches all records of one day.
type DayReader interface {
	Records(ctx context.Context, day datekey.Key) ([]ledger.Record, bool, error)
}

// DayLister lists the days that have a ledger.
type DayLister interface {
	Days(ctx context.Context) ([]datekey.Key, error)
}

// Range is an ordered set of days. Start and End name the range; Days are
// the days that count towards totals.
type Range struct {
	Start datekey.Key   `json:"start"`
	End   datekey.Key   `json:"end"`
	Days  []datekey.Key `json:"days"`
}

// TableName is where the report for r is stored.
func (r Range) TableName() string {
	return fmt.Sprintf("Report_%s_%s", r.Start, r.End)
}

// Weekly is Monday through Sunday of the ISO week containing ref. All seven
// days count, with or without a ledger.
func Weekly(ref datekey.Key) Range {
	days := datekey.WeekOf(ref)
	return Range{Start: days[0], End: days[6], Days: days}
}

// Monthly covers the calendar month but only counts days that have a
// ledger, so a day nobody touched does not lower anyone's percentage.
func Monthly(ctx context.Context, lister DayLister, year int, month time.Month) (Range, error) {
	first, last := datekey.MonthBounds(year, month)
	all, err := lister.Days(ctx)
	if err != nil {
		return Range{}, fmt.Errorf("list days: %w", err)
	}
	rng := Range{Start: first, End: last, Days: []datekey.Key{}}
	for _, d := range all {
		if d >= first && d <= last {
			rng.Days = append(rng.Days, d)
		}
	}
	return rng, nil
}

type Entry struct {
	ParticipantID string  `json:"participant_id,omitempty"`
	DisplayName   string  `json:"display_name"`
	DaysSubmitted int     `json:"days_submitted"`
	TotalDays     int     `json:"total_days"`
	Percentage    float64 `json:"percentage"`
}

type Report struct {
	RangeStart datekey.Key `json:"range_start"`
	RangeEnd   datekey.Key `json:"range_end"`
	Table      string      `json:"table"`
	Entries    []Entry     `json:"entries"`
}

// percentage is rounded to one decimal place.
func percentage(submitted, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(submitted)/float64(total)*1000) / 10
}

// Aggregate reads each day in rng exactly once and scores every participant
// of roster against it. Records from participants outside the roster are
// ignored.
func Aggregate(ctx context.Context, reader DayReader, rng Range, roster []participant.Participant) (Report, error) {
	submitted := make(map[string]int, len(roster))
	for _, day := range rng.Days {
		recs, _, err := reader.Records(ctx, day)
		if err != nil {
			return Report{}, fmt.Errorf("read %s: %w", day, err)
		}
		seen := make(map[string]bool)
		for _, r := range recs {
			if !seen[r.ParticipantID] {
				seen[r.ParticipantID] = true
				submitted[r.ParticipantID]++
			}
		}
	}

	total := len(rng.Days)
	report := Report{
		RangeStart: rng.Start,
		RangeEnd:   rng.End,
		Table:      rng.TableName(),
		Entries:    make([]Entry, 0, len(roster)),
	}
	for _, p := range roster {
		n := submitted[p.ID]
		report.Entries = append(report.Entries, Entry{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			DaysSubmitted: n,
			TotalDays:     total,
			Percentage:    percentage(n, total),
		})
	}
	return report, nil
}

type Aggregator struct {
	store  storage.TableStore
	reader DayReader
	locks  *keylock.Map
	log    logrus.FieldLogger
}

func NewAggregator(store storage.TableStore, reader DayReader, log logrus.FieldLogger) *Aggregator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Aggregator{store: store, reader: reader, locks: keylock.New(), log: log}
}

// Generate aggregates rng and stores the result. If a report for the range
// is already stored it fails with ErrReportAlreadyExists, unless overwrite
// is set, in which case the old report is replaced.
func (a *Aggregator) Generate(ctx context.Context, rng Range, roster []participant.Participant, overwrite bool) (Report, error) {
	name := rng.TableName()
	unlock := a.locks.Lock(name)
	defer unlock()

	exists, err := a.exists(ctx, name)
	if err != nil {
		return Report{}, err
	}
	if exists && !overwrite {
		return Report{}, ErrReportAlreadyExists
	}

	report, err := Aggregate(ctx, a.reader, rng, roster)
	if err != nil {
		return Report{}, err
	}

	if exists {
		if err := a.store.DeleteTable(ctx, name); err != nil {
			return Report{}, fmt.Errorf("replace report %s: %w", name, err)
		}
	}
	table, err := a.store.CreateTable(ctx, name, Header)
	if errors.Is(err, storage.ErrTableExists) {
		return Report{}, ErrReportAlreadyExists
	}
	if err != nil {
		return Report{}, fmt.Errorf("create report %s: %w", name, err)
	}
	for _, e := range report.Entries {
		if err := a.store.AppendRow(ctx, table, entryRow(e)); err != nil {
			// Leave nothing half written behind so a retry starts clean.
			if delErr := a.store.DeleteTable(ctx, name); delErr != nil {
				a.log.WithError(delErr).WithField("report", name).Error("could not remove partial report")
			}
			return Report{}, fmt.Errorf("write report %s: %w", name, err)
		}
	}

	a.log.WithFields(logrus.Fields{
		"report":  name,
		"days":    len(rng.Days),
		"entries": len(report.Entries),
		"replace": exists,
	}).Info("consistency report generated")
	return report, nil
}

func (a *Aggregator) exists(ctx context.Context, name string) (bool, error) {
	_, err := a.store.GetTable(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrTableNotFound) {
		return false, nil
	}
	return false, err
}

// Load reads a stored report back. Stored rows carry display names only.
func (a *Aggregator) Load(ctx context.Context, rng Range) (Report, error) {
	table, err := a.store.GetTable(ctx, rng.TableName())
	if err != nil {
		return Report{}, err
	}
	rows, err := a.store.ListRows(ctx, table)
	if err != nil {
		return Report{}, err
	}
	report := Report{RangeStart: rng.Start, RangeEnd: rng.End, Table: table.Name, Entries: make([]Entry, 0, len(rows))}
	for _, row := range rows {
		e, err := entryFromRow(row)
		if err != nil {
			return Report{}, fmt.Errorf("report %s: %w", table.Name, err)
		}
		report.Entries = append(report.Entries, e)
	}
	return report, nil
}

func entryRow(e Entry) []string {
	name := e.DisplayName
	if name == "" {
		name = e.ParticipantID
	}
	return []string{
		name,
		strconv.Itoa(e.DaysSubmitted),
		strconv.Itoa(e.TotalDays),
		strconv.FormatFloat(e.Percentage, 'f', 1, 64),
	}
}

func entryFromRow(row []string) (Entry, error) {
	if len(row) < 4 {
		return Entry{}, fmt.Errorf("short row %v", row)
	}
	submitted, err := strconv.Atoi(row[1])
	if err != nil {
		return Entry{}, fmt.Errorf("days submitted %q: %w", row[1], err)
	}
	total, err := strconv.Atoi(row[2])
	if err != nil {
		return Entry{}, fmt.Errorf("total days %q: %w", row[2], err)
	}
	pct, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("percentage %q: %w", row[3], err)
	}
	return Entry{DisplayName: row[0], DaysSubmitted: submitted, TotalDays: total, Percentage: pct}, nil
}
