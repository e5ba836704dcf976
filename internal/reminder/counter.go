package reminder

import (
	"maps"
	"sync"

	"submission-ledger/internal/datekey"
)

// DailyCounter tracks how many submissions each participant made on the
// current day. Every method holds the same mutex, so an increment can never
// interleave with a roll.
type DailyCounter struct {
	mu     sync.Mutex
	day    datekey.Key
	counts map[string]int
}

func NewDailyCounter(day datekey.Key) *DailyCounter {
	return &DailyCounter{day: day, counts: make(map[string]int)}
}

func (c *DailyCounter) Day() datekey.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.day
}

// IncrementIfCurrent counts a submission for participantID if day is the
// day being tracked. Backfilled days are left to the ledger.
func (c *DailyCounter) IncrementIfCurrent(day datekey.Key, participantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if day != c.day {
		return false
	}
	c.counts[participantID]++
	return true
}

func (c *DailyCounter) Count(participantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[participantID]
}

// Submitted returns a copy of the current counts.
func (c *DailyCounter) Submitted() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.counts)
}

// Seed replaces the tracked day and its counts, used when rebuilding state
// from the ledger at startup.
func (c *DailyCounter) Seed(day datekey.Key, counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = day
	c.counts = maps.Clone(counts)
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
}

// Roll closes the current day and starts tracking next with no counts. It
// returns the closed day and its final counts.
func (c *DailyCounter) Roll(next datekey.Key) (closed datekey.Key, counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	closed, counts = c.day, c.counts
	c.day = next
	c.counts = make(map[string]int)
	return closed, counts
}
