package participant

// Participant is a registered member of the roster.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (p Participant) row() []string {
	return []string{p.ID, p.DisplayName}
}

func fromRow(row []string) (Participant, bool) {
	if len(row) < 1 || row[0] == "" {
		return Participant{}, false
	}
	p := Participant{ID: row[0]}
	if len(row) > 1 {
		p.DisplayName = row[1]
	}
	return p, true
}
