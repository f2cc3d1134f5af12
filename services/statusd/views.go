package statusd

import (
	"time"

	"lexsync/services/journal"
	"lexsync/services/lock"
	"lexsync/services/syncer"
)

// LocalView is the JSON form of the local artifact.
type LocalView struct {
	Path    string     `json:"path"`
	Exists  bool       `json:"exists"`
	Digest  string     `json:"sha256,omitempty"`
	Size    int64      `json:"size,omitempty"`
	ModTime *time.Time `json:"modified_at,omitempty"`
}

// RemoteView is the JSON form of the remote artifact.
type RemoteView struct {
	Key        string     `json:"key"`
	Exists     bool       `json:"exists"`
	Digest     string     `json:"sha256,omitempty"`
	Size       int64      `json:"size,omitempty"`
	StoredSize int64      `json:"stored_size,omitempty"`
	Codec      string     `json:"codec,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	UploadedBy string     `json:"uploaded_by,omitempty"`
}

// StatusView is the JSON form of a plan.
type StatusView struct {
	Decision     string     `json:"decision"`
	Reason       string     `json:"reason"`
	InSync       bool       `json:"in_sync"`
	Local        LocalView  `json:"local"`
	Remote       RemoteView `json:"remote"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// NewStatusView flattens p for JSON output.
func NewStatusView(p syncer.Plan) StatusView {
	return StatusView{
		Decision: string(p.Decision),
		Reason:   p.Reason,
		InSync:   p.Decision == syncer.DecisionNoop,
		Local: LocalView{
			Path:    p.Local.Path,
			Exists:  p.LocalExists,
			Digest:  p.Local.Digest.String(),
			Size:    p.Local.Size,
			ModTime: timePtr(p.Local.ModTime),
		},
		Remote: RemoteView{
			Key:        p.Remote.Key,
			Exists:     p.Remote.Exists,
			Digest:     p.Remote.Digest.String(),
			Size:       p.Remote.Size,
			StoredSize: p.Remote.StoredSize,
			Codec:      p.Remote.Codec,
			UpdatedAt:  timePtr(p.Remote.UpdatedAt),
			UploadedBy: p.Remote.UploadedBy,
		},
		LastSyncedAt: timePtr(p.State.LastSyncedAt),
	}
}

// LockView is the JSON form of the sentinel.
type LockView struct {
	Key   string      `json:"key"`
	State string      `json:"state"`
	Token *lock.Token `json:"token,omitempty"`
	Age   string      `json:"age,omitempty"`
}

// NewLockView flattens st for JSON output.
func NewLockView(st lock.Status) LockView {
	v := LockView{Key: st.Key, State: string(st.State), Token: st.Token}
	if st.Token != nil {
		v.Age = st.Age.Round(time.Second).String()
	}
	return v
}

// ReportView is the JSON form of a finished operation.
type ReportView struct {
	Action     string      `json:"action"`
	Status     StatusView  `json:"status"`
	Lock       *LockResult `json:"lock,omitempty"`
	Digest     string      `json:"sha256,omitempty"`
	Codec      string      `json:"codec,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// LockResult summarises how the lock was obtained.
type LockResult struct {
	Outcome    string      `json:"outcome"`
	Waited     string      `json:"waited"`
	Recovered  *lock.Token `json:"recovered,omitempty"`
	Overridden *lock.Token `json:"overridden,omitempty"`
	Holder     *lock.Token `json:"holder,omitempty"`
}

// NewReportView flattens r for JSON output.
func NewReportView(r syncer.Report) ReportView {
	v := ReportView{
		Action:     string(r.Action),
		Status:     NewStatusView(r.Plan),
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Lock != nil {
		v.Lock = &LockResult{
			Outcome:    r.Lock.Outcome.String(),
			Waited:     r.Lock.Waited.Round(time.Millisecond).String(),
			Recovered:  r.Lock.Recovered,
			Overridden: r.Lock.Overridden,
			Holder:     r.Lock.Holder,
		}
	}
	switch {
	case r.Upload != nil:
		v.Digest = r.Upload.Digest.String()
		v.Codec = r.Upload.Codec
	case r.Download != nil:
		v.Digest = r.Download.Digest.String()
		v.Codec = r.Download.Codec
	}
	return v
}

// HistoryView is the JSON form of journal history.
type HistoryView struct {
	Events []journal.Event `json:"events"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
