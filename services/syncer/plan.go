package syncer

import (
	"fmt"
	"time"

	"lexsync/services/artifact"
	"lexsync/services/transport"
)

// Decision is what a sync would do.
type Decision string

const (
	DecisionNone     Decision = "none"
	DecisionNoop     Decision = "noop"
	DecisionUpload   Decision = "upload"
	DecisionDownload Decision = "download"
)

// Transfers reports whether the decision moves bytes.
func (d Decision) Transfers() bool {
	return d == DecisionUpload || d == DecisionDownload
}

// SyncState is the process-local view used to decide. It is never written
// anywhere: LastSyncedAt comes from the local file's mtime, which downloads
// stamp with the remote upload time.
type SyncState struct {
	LocalDigest  artifact.Digest
	RemoteDigest artifact.Digest
	LastSyncedAt time.Time
}

// Plan is a decision together with the observations behind it.
type Plan struct {
	Decision    Decision
	Reason      string
	Local       artifact.Info
	LocalExists bool
	Remote      transport.RemoteState
	State       SyncState
}

// Decide applies the sync policy. When both sides exist and differ, local
// wins unless the remote was uploaded strictly after the last local sync.
// LastSyncedAt is the local file's mtime, so a local edit made after an
// unseen remote upload also counts as newer and the upload is overwritten.
func Decide(local artifact.Info, localExists bool, remote transport.RemoteState, state SyncState) (Decision, string) {
	switch {
	case !localExists && !remote.Exists:
		return DecisionNone, "nothing to sync: neither a local nor a remote artifact exists"
	case !localExists:
		return DecisionDownload, "no local artifact"
	case !remote.Exists:
		return DecisionUpload, "no remote artifact yet"
	case local.Digest.Equal(remote.Digest):
		return DecisionNoop, "already in sync"
	case remote.UpdatedAt.After(state.LastSyncedAt):
		return DecisionDownload, fmt.Sprintf("remote uploaded at %s, after the last local modification at %s",
			remote.UpdatedAt.UTC().Format(time.RFC3339), state.LastSyncedAt.UTC().Format(time.RFC3339))
	default:
		return DecisionUpload, fmt.Sprintf("local copy differs; remote upload at %s predates the last local modification at %s",
			remote.UpdatedAt.UTC().Format(time.RFC3339), state.LastSyncedAt.UTC().Format(time.RFC3339))
	}
}
