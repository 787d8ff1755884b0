// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// GuestToken is the verified claim set presented by a guest device.
type GuestToken struct {
	Purpose     string // what is to be verified
	RedirectURL string // where the guest's browser continues after verification
	Name        string // display label the host sees
	RoomID      string // room the session belongs to
}

// HostToken is the verified claim set presented by a host terminal.
type HostToken struct {
	RoomID string
}

// AuthResult is the opaque (signed, possibly encrypted) result blob as posted by the authority.
type AuthResult string

// Session correlates one verification attempt across the authority round trip.
type Session struct {
	ID         uuid.UUID   // row PK
	AttrID     string      // opaque callback key, unique
	RoomID     string      // copied from GuestToken.RoomID for indexed lookup
	GuestToken GuestToken  // embedded, never mutated
	AuthResult *AuthResult // nil until the authority reports
	CreatedAt  time.Time
}

// Completed reports whether the session holds an authenticated result.
func (s Session) Completed() bool { return s.AuthResult != nil }

// AuthStatus is the verification outcome reported by the authority.
type AuthStatus string

const (
	// AuthStatusSuccess is spelled the way the authority protocol spells it.
	AuthStatusSuccess AuthStatus = "succes"
	AuthStatusFailed  AuthStatus = "failed"
)

// ClaimSet is the viewable projection of an authenticated result.
type ClaimSet struct {
	Status     AuthStatus        `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SessionURL string            `json:"session_url,omitempty"`
}

// SessionInfo maps guest display names to their claim sets; nil means no viewable result.
type SessionInfo map[string]*ClaimSet

// StartRequest is posted to the authority's start endpoint.
type StartRequest struct {
	Purpose    string `json:"purpose"`
	AuthMethod string `json:"auth_method"`
	CommURL    string `json:"comm_url"`
	AttrURL    string `json:"attr_url,omitempty"`
}

// ClientURLResponse is the authority's answer to a start request.
// Raw keeps the exact bytes so they can be relayed unmodified.
type ClientURLResponse struct {
	ClientURL string
	Raw       json.RawMessage
}

// SessionOptions lists the authentication methods the authority offers for a purpose.
type SessionOptions struct {
	AuthMethods []string
	Raw         json.RawMessage
}
