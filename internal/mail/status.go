package mail

import "fmt"

// SyncStatus is the account state machine.
//
//	Pending -> Seeding -> Syncing -> Active
//	                 \-> Error <-/
//
// Error is not auto-exited; only an operator reset re-enters Pending.
type SyncStatus string

const (
	// StatusPending means no sync has ever been attempted.
	StatusPending SyncStatus = "PENDING"
	// StatusSeeding means the one-time bootstrap fetch is running.
	StatusSeeding SyncStatus = "SEEDING"
	// StatusSyncing is the steady state: forward and backfill crawlers
	// both run until backfill completes.
	StatusSyncing SyncStatus = "SYNCING"
	// StatusActive means backfill is complete and only the forward
	// crawler continues.
	StatusActive SyncStatus = "ACTIVE"
	// StatusError means a terminal failure; operator intervention
	// required.
	StatusError SyncStatus = "ERROR"
)

var transitions = map[SyncStatus][]SyncStatus{
	StatusPending: {StatusSeeding},
	StatusSeeding: {StatusSyncing, StatusError},
	StatusSyncing: {StatusActive, StatusError},
	// Active drops back to Syncing when a folder is re-enabled and
	// backfill resumes for it.
	StatusActive: {StatusSyncing, StatusError},
	// Only an operator reset leaves Error.
	StatusError: {StatusPending},
}

// CanTransition reports whether moving from one status to another is a
// legal edge of the state machine.
func CanTransition(from, to SyncStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new status, or an error naming the
// illegal edge.
func Transition(from, to SyncStatus) (SyncStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal sync status transition %s -> %s", from, to)
	}
	return to, nil
}

// CrawlEligible reports whether crawlers may run for an account in this
// status.
func (s SyncStatus) CrawlEligible() bool {
	return s == StatusSyncing || s == StatusActive
}
