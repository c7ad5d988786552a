// Package index keeps the time-ordered set of rule due times the scheduler reads on
// every tick.
package index

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// DueRun is the next time a rule should run
type DueRun struct {
	RuleID string    `json:"ruleId"`
	DueAt  time.Time `json:"dueAt"`
}

// NextDue returns when rule is next due. A rule that never ran is due at now.
func NextDue(rule models.SyncRule, now time.Time) time.Time {
	if rule.LastRunAt == nil {
		return now
	}
	return rule.LastRunAt.Add(rule.Interval())
}

// Build returns the due runs of every active rule
func Build(rules []models.SyncRule, now time.Time) []DueRun {
	runs := make([]DueRun, 0, len(rules))
	for _, rule := range rules {
		if rule.Status != models.RuleActive {
			continue
		}
		runs = append(runs, DueRun{RuleID: rule.ID, DueAt: NextDue(rule, now)})
	}
	return runs
}

// DueIndex is a time-ordered index of due runs.
// It uses an atomic pointer for lock-free concurrent reads.
type DueIndex struct {
	runs atomic.Pointer[[]DueRun]
}

// NewDueIndex creates a new index from the given runs.
// The input slice is copied and sorted, so the caller can safely reuse it.
func NewDueIndex(runs []DueRun) *DueIndex {
	idx := &DueIndex{}
	idx.Swap(runs)
	return idx
}

// Due returns every run with DueAt <= now, sorted by (DueAt, RuleID)
func (idx *DueIndex) Due(now time.Time) []DueRun {
	runs := idx.runs.Load()
	if runs == nil || len(*runs) == 0 {
		return nil
	}

	slice := *runs

	// first run strictly after now
	end := sort.Search(len(slice), func(i int) bool {
		return slice[i].DueAt.After(now)
	})

	results := make([]DueRun, end)
	copy(results, slice[:end])
	return results
}

// Next returns the earliest due run, if any
func (idx *DueIndex) Next() (DueRun, bool) {
	runs := idx.runs.Load()
	if runs == nil || len(*runs) == 0 {
		return DueRun{}, false
	}
	return (*runs)[0], true
}

// Len returns the number of runs in the index.
func (idx *DueIndex) Len() int {
	runs := idx.runs.Load()
	if runs == nil {
		return 0
	}
	return len(*runs)
}

// Swap atomically replaces the index with new runs.
// The input slice is copied and sorted, so the caller can safely reuse it.
func (idx *DueIndex) Swap(newRuns []DueRun) {
	sorted := make([]DueRun, len(newRuns))
	copy(sorted, newRuns)
	sortRuns(sorted)

	idx.runs.Store(&sorted)
}

// sortRuns sorts runs by (DueAt, RuleID).
// When times are equal, runs are ordered by RuleID for deterministic iteration.
func sortRuns(runs []DueRun) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].DueAt.Equal(runs[j].DueAt) {
			return runs[i].RuleID < runs[j].RuleID
		}
		return runs[i].DueAt.Before(runs[j].DueAt)
	})
}
