package tracker

import (
	"context"
	"fmt"
	"strings"

	"submission-ledger/internal/datekey"
	"submission-ledger/internal/ledger"
)

// FormRow is one response exported from the submission form.
type FormRow struct {
	Name       string `json:"name"`
	Activity   string `json:"activity"`
	Date       string `json:"date"`
	Attachment string `json:"attachment"`
}

type RejectedRow struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type ImportResult struct {
	Inserted   int           `json:"inserted"`
	Duplicates int           `json:"duplicates"`
	Skipped    int           `json:"skipped"`
	Rejected   []RejectedRow `json:"rejected"`
}

// ImportForm copies form responses into the day ledgers. Rows without a
// date are skipped and rows with a bad date are rejected; neither stops the
// batch. A storage failure does, and the partial result is returned with it
// so the caller can rerun the import: rows already written come back as
// duplicates.
func (s *Service) ImportForm(ctx context.Context, cmd Command, rows []FormRow) (ImportResult, error) {
	res := ImportResult{Rejected: []RejectedRow{}}
	if !cmd.Privileged {
		return res, ErrNotPrivileged
	}
	for i, row := range rows {
		if strings.TrimSpace(row.Date) == "" {
			res.Skipped++
			continue
		}
		name := strings.TrimSpace(row.Name)
		if name == "" {
			res.Rejected = append(res.Rejected, RejectedRow{Index: i, Reason: "missing name"})
			continue
		}
		day, err := datekey.Normalize(row.Date)
		if err != nil {
			res.Rejected = append(res.Rejected, RejectedRow{Index: i, Reason: err.Error()})
			continue
		}
		activity := strings.TrimSpace(row.Activity)
		if activity == "" {
			activity = DefaultActivity
		}
		out, err := s.record(ctx, ledger.Record{
			Day:           day,
			ParticipantID: name,
			Activity:      activity,
			AttachmentRef: row.Attachment,
		})
		if err != nil {
			return res, fmt.Errorf("import row %d: %w", i, err)
		}
		if out.Outcome == ledger.Inserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}
	s.log.WithField("rows", len(rows)).Infof("form import: %d inserted, %d duplicates, %d skipped, %d rejected",
		res.Inserted, res.Duplicates, res.Skipped, len(res.Rejected))
	return res, nil
}
