package configrelay

type Decision int

const (
	DecisionSkip Decision = iota
	DecisionApply
)

func (d Decision) String() string {
	if d == DecisionApply {
		return "apply"
	}
	return "skip"
}

// ResolveConflict is the whole conflict policy: strict last-writer-wins
// keyed on one millisecond-resolution clock per category.
//
//   - remote <= 0: the remote payload carries no usable clock, skip.
//   - remote < local: local is newer or equal-and-already-applied, skip.
//   - remote == local on an automatic trigger: skip, so periodic restores
//     do not reapply data this device already has. A manual restore still
//     applies, letting a user force a resync.
//   - otherwise apply.
//
// Pure function of its arguments; the caller records the remote timestamp
// as the category's new high-water mark on apply.
func ResolveConflict(remoteTS, localTS int64, trigger Trigger) Decision {
	if remoteTS <= 0 {
		return DecisionSkip
	}
	if remoteTS < localTS {
		return DecisionSkip
	}
	if remoteTS == localTS && trigger != TriggerManual {
		return DecisionSkip
	}
	return DecisionApply
}
