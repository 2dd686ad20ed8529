package engine

import "time"

// LocalState classifies a LogicalPath's local-filesystem status relative
// to the index, per spec §4.6.
type LocalState int

const (
	LocalAbsent LocalState = iota
	LocalUnchanged
	LocalModified
	LocalNew
)

func (s LocalState) String() string {
	switch s {
	case LocalAbsent:
		return "absent"
	case LocalUnchanged:
		return "unchanged"
	case LocalModified:
		return "modified"
	case LocalNew:
		return "new"
	default:
		return "unknown"
	}
}

// RemoteState classifies a LogicalPath's placeholder/payload status on
// the relay, per spec §4.6.
type RemoteState int

const (
	RemoteAbsent RemoteState = iota
	RemotePresentNew
	RemotePresentSame
	RemoteConsumed
)

func (s RemoteState) String() string {
	switch s {
	case RemoteAbsent:
		return "absent"
	case RemotePresentNew:
		return "present_new"
	case RemotePresentSame:
		return "present_same"
	case RemoteConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Action is the decision table's verdict for one LogicalPath.
type Action int

const (
	ActionSkip Action = iota
	ActionPull
	ActionPush
	ActionConflict
	ActionPropagateDelete
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionPull:
		return "pull"
	case ActionPush:
		return "push"
	case ActionConflict:
		return "conflict"
	case ActionPropagateDelete:
		return "propagate_delete"
	default:
		return "unknown"
	}
}

// ConflictStrategy selects one of the three resolution policies of
// spec §4.6. Fixed at repository creation; an invariant across the
// repository's lifetime.
type ConflictStrategy int

const (
	// NewerWins: the later local mtime wins; the loser is sidecarred
	// locally and not pushed.
	NewerWins ConflictStrategy = iota
	// PullFirst: the remote is always pulled into a sidecar; the local
	// file is preserved; the user reconciles by hand.
	PullFirst
	// Reject: abort with errs.ErrConflict on this path, leaving it for
	// the next scan.
	Reject
)

// RetentionMode selects how a placeholder is updated after a successful
// pull (spec §4.3 "Placeholder semantics").
type RetentionMode int

const (
	// OneShot deletes the placeholder once the payload has been pulled.
	OneShot RetentionMode = iota
	// RetainHistory rewrites the placeholder to the consumed state
	// (sender cleared, version and digest preserved) instead of
	// deleting it.
	RetainHistory
)

// Decision is the outcome of classifying one LogicalPath during a scan.
type Decision struct {
	LogicalPath string
	Local       LocalState
	Remote      RemoteState
	Action      Action
	Reason      string
}

// LocalFile is the observed state of a path on the local filesystem.
type LocalFile struct {
	LogicalPath string
	Size        int64
	MTime       time.Time
	Hash        string // plaintext content digest, same algorithm as frame.Digest
}
