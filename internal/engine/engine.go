// Package engine implements the synchronization decision table and
// push/pull/conflict execution of spec §4.6 (C6): for each LogicalPath,
// classify its local and remote state and carry out the resulting action.
// Built around escale's placeholder/version/digest model, executed
// single-threaded and cooperatively per §5.
package engine

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/escale/escale/internal/frame"
	"github.com/escale/escale/internal/index"
	"github.com/escale/escale/internal/protocol"
	"github.com/escale/escale/internal/relay"
	"github.com/escale/escale/internal/relayname"
)

// Config holds the per-repository settings the engine needs beyond the
// protocol/relay/index handles it is constructed with.
type Config struct {
	LocalRoot        string
	Pseudonym        string
	ConflictStrategy ConflictStrategy
	Retention        RetentionMode
	MaxNameLen       int
	Key              *frame.Key // nil disables encryption
	Compress         bool
	LockTTL          time.Duration // 0 disables stale-lock reaping
	LockSettle       time.Duration // settling interval of the C3 lock dance
	Now              func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Engine ties together a relay, an index, and the C3 protocol helpers to
// run one repository's synchronization decision table and executions.
type Engine struct {
	cfg          Config
	Relay        relay.Relay
	Index        *index.Index
	Placeholders *protocol.PlaceholderStore
	Locker       *protocol.Locker
	Messenger    *protocol.Messenger
	Ignore       *IgnoreList
}

// New constructs an Engine from its component handles.
func New(cfg Config, r relay.Relay, ix *index.Index, ignore *IgnoreList) *Engine {
	return &Engine{
		cfg:   cfg,
		Relay: r,
		Index: ix,
		Placeholders: &protocol.PlaceholderStore{
			Relay:      r,
			MaxNameLen: cfg.MaxNameLen,
		},
		Locker: &protocol.Locker{
			Relay:      r,
			Pseudonym:  cfg.Pseudonym,
			TTL:        cfg.LockTTL,
			Settle:     cfg.LockSettle,
			MaxNameLen: cfg.MaxNameLen,
			Now:        cfg.Now,
		},
		Messenger: &protocol.Messenger{
			Relay:      r,
			Pseudonym:  cfg.Pseudonym,
			MaxNameLen: cfg.MaxNameLen,
			Now:        cfg.Now,
		},
		Ignore: ignore,
	}
}

// Scan performs one full reconciliation pass: snapshot the local tree and
// the relay's placeholders, classify every LogicalPath against the index,
// and return the resulting decisions (spec §4.7 "snapshot relay+local,
// merge to work set").
func (e *Engine) Scan(ctx context.Context) ([]Decision, error) {
	e.Placeholders.Reset()

	localFiles, err := scanLocalTree(e.cfg.LocalRoot, e.Ignore)
	if err != nil {
		return nil, err
	}

	remotePaths, err := e.listRemotePaths(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := e.Index.All()
	if err != nil {
		return nil, err
	}

	all := mapset.NewThreadUnsafeSet[string]()
	for p := range localFiles {
		all.Add(p)
	}
	for p := range remotePaths {
		all.Add(p)
	}
	for p := range entries {
		all.Add(p)
	}

	decisions := make([]Decision, 0, all.Cardinality())
	for logicalPath := range all.Iter() {
		local, hasLocal := localFiles[logicalPath]
		entry, hasEntry := entries[logicalPath]

		placeholder, hasPlaceholder, err := e.Placeholders.Get(ctx, logicalPath)
		if err != nil {
			return nil, err
		}

		localState := classifyLocal(hasLocal, local, hasEntry, entry)
		remoteState := classifyRemote(hasPlaceholder, placeholder, hasEntry, entry)

		decisions = append(decisions, decide(logicalPath, localState, remoteState, entry, hasEntry))
	}

	if err := e.Index.SetCounter(index.CounterLastFullScan, e.cfg.now().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return decisions, nil
}

// listRemotePaths discovers every LogicalPath with a placeholder on the
// relay, resolving bucketed names via the index side table.
func (e *Engine) listRemotePaths(ctx context.Context) (map[string]struct{}, error) {
	infos, err := e.Relay.List(ctx, "", true)
	if err != nil {
		return nil, err
	}

	out := make(map[string]struct{})
	for _, info := range infos {
		logicalPath, ok := e.resolvePlaceholderName(info.Name)
		if ok {
			out[logicalPath] = struct{}{}
		}
	}
	return out, nil
}

func (e *Engine) resolvePlaceholderName(relayName string) (string, bool) {
	category, escapedOrBucket, _ := relayname.SplitCategory(relayName)
	if category != "placeholder" {
		return "", false
	}
	if isBucketed(escapedOrBucket) {
		logicalPath, ok, err := e.Index.ResolveBucketName(escapedOrBucket)
		if err != nil || !ok {
			return "", false
		}
		return logicalPath, true
	}
	return relayname.Unescape(escapedOrBucket), true
}

func classifyLocal(hasLocal bool, local LocalFile, hasEntry bool, entry index.Entry) LocalState {
	if !hasLocal {
		return LocalAbsent
	}
	if !hasEntry {
		return LocalNew
	}
	if local.Hash == entry.LocalHash && local.Size == entry.LocalSize {
		return LocalUnchanged
	}
	return LocalModified
}

func classifyRemote(hasPlaceholder bool, p protocol.Placeholder, hasEntry bool, entry index.Entry) RemoteState {
	if !hasPlaceholder {
		return RemoteAbsent
	}
	if p.IsConsumed() {
		return RemoteConsumed
	}
	// An active (non-consumed) placeholder, including a tombstone
	// (empty digest): both are "a new version exists to apply" from
	// this client's perspective. The tombstone's meaning (delete,
	// rather than overwrite) is resolved during execution, not
	// classification. A digest equal to the last pulled content, or to the
	// content this client last recorded locally (its own push), is "same".
	if hasEntry && p.Digest != "" && (p.Digest == entry.LastPulledHash || p.Digest == entry.LocalHash) {
		return RemotePresentSame
	}
	return RemotePresentNew
}

// decide applies spec §4.6's decision table. Access gating (r/r-/r?,
// w/w-/w?) is applied by the caller around Pull/Push execution, not here:
// the table's "(if r)"/"(if w)" qualifiers gate execution, not
// classification.
func decide(logicalPath string, local LocalState, remote RemoteState, entry index.Entry, hasEntry bool) Decision {
	d := Decision{LogicalPath: logicalPath, Local: local, Remote: remote}

	switch {
	case local == LocalAbsent && remote == RemoteAbsent:
		d.Action, d.Reason = ActionSkip, "nothing on either side"
	case local == LocalAbsent && remote == RemotePresentNew:
		d.Action, d.Reason = ActionPull, "new remote version, nothing local"
	case local == LocalAbsent && remote == RemoteConsumed:
		if hasEntry {
			d.Action, d.Reason = ActionPropagateDelete, "local copy removed after last sync"
		} else {
			d.Action, d.Reason = ActionSkip, "already consumed, nothing local"
		}
	case local == LocalAbsent && remote == RemotePresentSame:
		// Can only occur if the local file was removed after a prior
		// pull without the deletion having been advertised yet.
		d.Action, d.Reason = ActionPropagateDelete, "local copy removed after last pull"

	case local == LocalNew && remote == RemoteAbsent:
		d.Action, d.Reason = ActionPush, "new local file, nothing remote"
	case local == LocalNew && remote == RemotePresentNew:
		d.Action, d.Reason = ActionConflict, "new local file races a new remote version"
	case local == LocalNew && remote == RemoteConsumed:
		d.Action, d.Reason = ActionPush, "new local file, remote slot free"
	case local == LocalNew && remote == RemotePresentSame:
		d.Action, d.Reason = ActionSkip, "new local file already matches remote digest"

	case local == LocalModified && remote == RemoteAbsent:
		d.Action, d.Reason = ActionPush, "local change, nothing remote to race"
	case local == LocalModified && remote == RemotePresentSame:
		d.Action, d.Reason = ActionPush, "local change, remote unchanged since last sync"
	case local == LocalModified && remote == RemotePresentNew:
		d.Action, d.Reason = ActionConflict, "local change races a new remote version"
	case local == LocalModified && remote == RemoteConsumed:
		d.Action, d.Reason = ActionPush, "local change, remote slot free"

	case local == LocalUnchanged && remote == RemotePresentNew:
		d.Action, d.Reason = ActionPull, "local unchanged, new remote version"
	case local == LocalUnchanged && remote == RemoteConsumed:
		if hasEntry && entry.LastPushedVersion > entry.LastPulledVersion {
			d.Action, d.Reason = ActionPush, "we own the pending version, remote slot free"
		} else {
			d.Action, d.Reason = ActionSkip, "remote slot free, not our pending version"
		}
	case local == LocalUnchanged && remote == RemoteAbsent:
		d.Action, d.Reason = ActionSkip, "nothing remote, local unchanged"
	case local == LocalUnchanged && remote == RemotePresentSame:
		d.Action, d.Reason = ActionSkip, "already in sync"

	default:
		d.Action, d.Reason = ActionSkip, "unclassified combination"
	}
	return d
}

func isBucketed(name string) bool {
	return len(name) > 3 && name[:3] == "_b/"
}
