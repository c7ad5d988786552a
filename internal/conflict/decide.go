// Package conflict decides how a mapped pair of entities is reconciled and owns the
// lifecycle of recorded conflicts.
package conflict

import "github.com/livinlefevreloca/storesync/internal/models"

// Action is what the executor does with a mapped pair
type Action int

const (
	// ActionNone leaves both sides alone
	ActionNone Action = iota
	// ActionAdoptHash records the current hash without writing; both sides already agree
	ActionAdoptHash
	// ActionPushSource writes the source value to the target
	ActionPushSource
	// ActionPushTarget writes the target value to the source
	ActionPushTarget
	// ActionHold records a pending conflict and writes nothing
	ActionHold
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionAdoptHash:
		return "adopt-hash"
	case ActionPushSource:
		return "push-source"
	case ActionPushTarget:
		return "push-target"
	case ActionHold:
		return "hold"
	}
	return "unknown"
}

// Decision is the outcome of comparing a pair against its last synchronized hash
type Decision struct {
	Action Action
	// Conflicted is set when both sides changed. Action then says how the policy settled it.
	Conflicted bool
}

// Decide compares the current content hashes of both sides against the hash recorded
// at the last successful sync. In one-way mode target-side changes are ignored.
func Decide(mode models.Mode, policy models.ConflictPolicy, sourceHash, targetHash, syncedHash string) Decision {
	if sourceHash == targetHash {
		if sourceHash != syncedHash {
			return Decision{Action: ActionAdoptHash}
		}
		return Decision{Action: ActionNone}
	}

	sourceChanged := sourceHash != syncedHash
	targetChanged := targetHash != syncedHash

	if mode != models.ModeTwoWay {
		if sourceChanged {
			return Decision{Action: ActionPushSource}
		}
		return Decision{Action: ActionNone}
	}

	switch {
	case sourceChanged && !targetChanged:
		return Decision{Action: ActionPushSource}
	case targetChanged && !sourceChanged:
		return Decision{Action: ActionPushTarget}
	}

	switch policy {
	case models.PolicySourceWins:
		return Decision{Action: ActionPushSource, Conflicted: true}
	case models.PolicyTargetWins:
		return Decision{Action: ActionPushTarget, Conflicted: true}
	default:
		return Decision{Action: ActionHold, Conflicted: true}
	}
}
