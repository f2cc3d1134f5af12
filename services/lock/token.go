package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// State classifies the sentinel from this process's point of view.
type State string

const (
	StateUnlocked      State = "unlocked"
	StateAcquiredLocal State = "acquired_local"
	StateHeldRemote    State = "held_remote"
	StateStale         State = "stale"
)

// unreadableHolder names the holder of a sentinel whose body could not be decoded.
const unreadableHolder = "<unreadable>"

// Token is the sentinel body stored next to the artifact.
type Token struct {
	ID         string
	Holder     string
	Host       string
	PID        int
	AcquiredAt time.Time
	TTL        time.Duration
	Reason     string
	Metadata   map[string]string
}

type tokenJSON struct {
	ID         string            `json:"id"`
	Holder     string            `json:"holder"`
	Host       string            `json:"host,omitempty"`
	PID        int               `json:"pid,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at"`
	TTL        string            `json:"ttl"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON writes the TTL as a Go duration string so the sentinel stays
// readable when inspected by hand.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenJSON{
		ID:         t.ID,
		Holder:     t.Holder,
		Host:       t.Host,
		PID:        t.PID,
		AcquiredAt: t.AcquiredAt.UTC(),
		TTL:        t.TTL.String(),
		Reason:     t.Reason,
		Metadata:   t.Metadata,
	})
}

func (t *Token) UnmarshalJSON(data []byte) error {
	var raw tokenJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ttl, err := time.ParseDuration(raw.TTL)
	if err != nil {
		return fmt.Errorf("parse ttl: %w", err)
	}
	*t = Token{
		ID:         raw.ID,
		Holder:     raw.Holder,
		Host:       raw.Host,
		PID:        raw.PID,
		AcquiredAt: raw.AcquiredAt,
		TTL:        ttl,
		Reason:     raw.Reason,
		Metadata:   raw.Metadata,
	}
	return nil
}

// ExpiresAt is when the token becomes stale.
func (t Token) ExpiresAt() time.Time {
	return t.AcquiredAt.Add(t.TTL)
}

// Age is how long ago the token was written or last renewed.
func (t Token) Age(now time.Time) time.Duration {
	return now.Sub(t.AcquiredAt)
}

// Expired reports whether the token's age exceeds its TTL.
func (t Token) Expired(now time.Time) bool {
	return t.Age(now) > t.TTL
}

// decodeToken never fails. A body that does not parse is dated by the
// object's modification time and given the default TTL, so a garbage sentinel
// goes stale like any other instead of blocking everyone forever.
func decodeToken(data []byte, written time.Time, ttl time.Duration) Token {
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil || tok.Holder == "" {
		return Token{Holder: unreadableHolder, AcquiredAt: written, TTL: ttl}
	}
	return tok
}

// Identity names this participant.
type Identity struct {
	Name string
	Host string
	PID  int
}

// LocalIdentity describes the current process. An empty name becomes
// "<hostname>:<pid>", which is unique among concurrently running processes.
func LocalIdentity(name string) Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	pid := os.Getpid()
	if name == "" {
		name = fmt.Sprintf("%s:%d", host, pid)
	}
	return Identity{Name: name, Host: host, PID: pid}
}
