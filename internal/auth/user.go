// Package auth owns user identity: primary auth tokens, derived
// sharing tokens and the per-user energy balance that gates priced
// actions.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Dashboard is a user-owned project that device and application
// connections pair around. Widget contents live outside the routing
// core; only the identifier matters here.
type Dashboard struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// User is the canonical profile record. All mutation goes through the
// Manager, which holds mu for the duration of any read-modify-write.
type User struct {
	Name      string `json:"name"`
	PassHash  string `json:"passHash"`
	AuthToken string `json:"authToken"`

	// Energy is the consumable credit balance. Never negative.
	Energy int `json:"energy"`

	// Credential handed to the external notification gateway.
	NotifyCredential string `json:"notifyCredential,omitempty"`

	Dashboards []Dashboard `json:"dashboards,omitempty"`

	// SharingTokens maps dashboard id to its current sharing token.
	// At most one valid sharing token per dashboard.
	SharingTokens map[int]string `json:"sharingTokens,omitempty"`

	mu sync.Mutex
}

// Snapshot copies the profile's persisted fields. Callers hold the
// user's lock (or sole ownership of an unpublished user) while taking
// it; the copy shares no mutable state with the live record, so it
// can be read or marshaled without any lock.
func (u *User) Snapshot() *User {
	c := &User{
		Name:             u.Name,
		PassHash:         u.PassHash,
		AuthToken:        u.AuthToken,
		Energy:           u.Energy,
		NotifyCredential: u.NotifyCredential,
		Dashboards:       append([]Dashboard(nil), u.Dashboards...),
	}
	if u.SharingTokens != nil {
		c.SharingTokens = make(map[int]string, len(u.SharingTokens))
		for dashID, token := range u.SharingTokens {
			c.SharingTokens[dashID] = token
		}
	}
	return c
}

// OwnsDash reports whether the user has a dashboard with the given id.
func (u *User) OwnsDash(dashID int) bool {
	for _, d := range u.Dashboards {
		if d.ID == dashID {
			return true
		}
	}
	return false
}

// HashPassword derives the stored form of a password.
func HashPassword(pass string) string {
	sum := sha256.Sum256([]byte(pass))
	return hex.EncodeToString(sum[:])
}
