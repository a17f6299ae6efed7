package session

import (
	"sort"
	"time"
)

// Fix is one participant's most recent position report.
type Fix struct {
	UserID     string
	Latitude   float64
	Longitude  float64
	Accuracy   float64
	Timestamp  string
	recordedAt time.Time
}

// locationEntry wraps a fix with its staleness deadline.
type locationEntry struct {
	fix       Fix
	expiresAt time.Time
}

func (e locationEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// locationTable holds the last known fix per participant. A fix is visible
// only while it is younger than the table TTL; stale entries are filtered
// on read and physically removed by prune on the actor tick.
//
// The table is owned by a single actor goroutine and is not safe for
// concurrent use.
type locationTable struct {
	ttl     time.Duration
	entries map[string]locationEntry
}

func newLocationTable(ttl time.Duration) *locationTable {
	return &locationTable{
		ttl:     ttl,
		entries: make(map[string]locationEntry),
	}
}

// set records the latest fix for a participant, replacing any previous one.
func (t *locationTable) set(fix Fix, now time.Time) {
	fix.recordedAt = now
	t.entries[fix.UserID] = locationEntry{
		fix:       fix,
		expiresAt: now.Add(t.ttl),
	}
}

// get returns the participant's fix if one is recorded and still fresh.
func (t *locationTable) get(userID string, now time.Time) (Fix, bool) {
	e, ok := t.entries[userID]
	if !ok || e.expired(now) {
		return Fix{}, false
	}
	return e.fix, true
}

// remove drops a participant's fix, if any.
func (t *locationTable) remove(userID string) {
	delete(t.entries, userID)
}

// valid returns every fresh fix, ordered by user ID for stable snapshots.
func (t *locationTable) valid(now time.Time) []Fix {
	fixes := make([]Fix, 0, len(t.entries))
	for _, e := range t.entries {
		if e.expired(now) {
			continue
		}
		fixes = append(fixes, e.fix)
	}
	sort.Slice(fixes, func(i, j int) bool { return fixes[i].UserID < fixes[j].UserID })
	return fixes
}

// prune removes stale entries and reports how many were dropped.
func (t *locationTable) prune(now time.Time) int {
	removed := 0
	for userID, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, userID)
			removed++
		}
	}
	return removed
}

func (t *locationTable) size() int {
	return len(t.entries)
}
