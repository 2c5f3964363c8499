// Package revocation records which directory access was stripped from a user
// so it can later be replayed to restore them.
package revocation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRecordNotFound          = errors.New("revocation record not found")
	ErrAlreadyRestored         = errors.New("revocation record already restored")
	ErrRecordNotRestorable     = errors.New("revocation record cannot be restored")
	ErrPartialOperationFailure = errors.New("some directory changes failed")
	ErrConcurrentModification  = errors.New("revocation record was modified concurrently")
	ErrNoDirectoryIdentity     = errors.New("user has no directory identity")
	ErrUnknownStatus           = errors.New("unknown revocation status")
)

// Status is the lifecycle state of a revocation record.
type Status string

const (
	StatusActive            Status = "Active"
	StatusPartiallyRevoked  Status = "PartiallyRevoked"
	StatusFailed            Status = "Failed"
	StatusRestored          Status = "Restored"
	StatusPartiallyRestored Status = "PartiallyRestored"
	StatusRestorationFailed Status = "RestorationFailed"
)

// ParseStatus parses a status name. The empty string is rejected.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusPartiallyRevoked, StatusFailed,
		StatusRestored, StatusPartiallyRestored, StatusRestorationFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Open reports whether the user is still considered revoked under this
// record. At most one open record exists per user.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPartiallyRevoked
}

// Restorable reports whether Restore may act on a record in this state.
func (s Status) Restorable() bool {
	return s.Open() || s == StatusPartiallyRestored
}

// Artifact is one group membership or app role assignment captured at
// revocation time, with the outcome of removing and re-adding it.
type Artifact struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"display_name,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	AppRoleID    string     `json:"app_role_id,omitempty"`
	Removed      bool       `json:"removed"`
	RemovedAt    *time.Time `json:"removed_at,omitempty"`
	RemovalError string     `json:"removal_error,omitempty"`
	Restored     bool       `json:"restored"`
	RestoredAt   *time.Time `json:"restored_at,omitempty"`
	RestoreError string     `json:"restore_error,omitempty"`
}

// Failed reports whether the last removal attempt failed.
func (a Artifact) Failed() bool { return !a.Removed && a.RemovalError != "" }

// Record is the persisted audit entry of one revocation. Records are never
// deleted.
type Record struct {
	ID                    string                     `json:"id"`
	OrganizationID        string                     `json:"organization_id"`
	UserID                string                     `json:"user_id"`
	UserEmail             string                     `json:"user_email"`
	UserDisplayName       string                     `json:"user_display_name,omitempty"`
	UserObjectID          string                     `json:"user_object_id"`
	Status                Status                     `json:"status"`
	RevokedBy             string                     `json:"revoked_by"`
	RevokedOn             time.Time                  `json:"revoked_on"`
	RestoredBy            string                     `json:"restored_by,omitempty"`
	RestoredOn            *time.Time                 `json:"restored_on,omitempty"`
	SecurityGroups        []Artifact                 `json:"security_groups"`
	M365Groups            []Artifact                 `json:"m365_groups"`
	AppRoles              []Artifact                 `json:"app_roles"`
	Details               map[string]json.RawMessage `json:"details"`
	RevocationSuccessful  bool                       `json:"revocation_successful"`
	RevocationError       string                     `json:"revocation_error,omitempty"`
	RestorationSuccessful bool                       `json:"restoration_successful"`
	RestorationError      string                     `json:"restoration_error,omitempty"`
	Version               int                        `json:"version"`
	CreatedAt             time.Time                  `json:"created_at"`
	UpdatedAt             time.Time                  `json:"updated_at"`
}

func (r Record) ScopeOrganizationID() string { return r.OrganizationID }

// artifacts returns pointers to every captured item in collection order.
func (r *Record) artifacts() []*Artifact {
	out := make([]*Artifact, 0, len(r.SecurityGroups)+len(r.M365Groups)+len(r.AppRoles))
	for _, list := range [][]Artifact{r.SecurityGroups, r.M365Groups, r.AppRoles} {
		for i := range list {
			out = append(out, &list[i])
		}
	}
	return out
}

// SecurityGroupsRemoved returns the ids of security groups the user was
// removed from.
func (r *Record) SecurityGroupsRemoved() []string {
	out := []string{}
	for _, a := range r.SecurityGroups {
		if a.Removed {
			out = append(out, a.ID)
		}
	}
	return out
}

// SetDetail stores v under key in the details map.
func (r *Record) SetDetail(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding detail %s: %w", key, err)
	}
	if r.Details == nil {
		r.Details = map[string]json.RawMessage{}
	}
	r.Details[key] = raw
	return nil
}

// Detail decodes the value under key into v. Numbers decode as
// json.Number when v is an interface.
func (r *Record) Detail(key string, v any) (bool, error) {
	raw, ok := r.Details[key]
	if !ok {
		return false, nil
	}
	return true, decodeJSON(raw, v)
}

// decodeJSON decodes without coercing numbers to float64.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// settleRevocation derives the status and success flag from the artifacts.
func (r *Record) settleRevocation() {
	var removed, failed int
	for _, a := range r.artifacts() {
		switch {
		case a.Removed:
			removed++
		case a.Failed():
			failed++
		}
	}
	r.RevocationSuccessful = failed == 0
	switch {
	case failed == 0:
		r.Status = StatusActive
		r.RevocationError = ""
	case removed > 0:
		r.Status = StatusPartiallyRevoked
		r.RevocationError = fmt.Sprintf("%d of %d removals failed", failed, removed+failed)
	default:
		r.Status = StatusFailed
		r.RevocationError = fmt.Sprintf("all %d removals failed", failed)
	}
}

// settleRestoration derives the status and success flag after a restore.
// Only artifacts that were actually removed count.
func (r *Record) settleRestoration() {
	var restored, failed int
	for _, a := range r.artifacts() {
		if !a.Removed {
			continue
		}
		if a.Restored {
			restored++
		} else {
			failed++
		}
	}
	r.RestorationSuccessful = failed == 0
	switch {
	case failed == 0:
		r.Status = StatusRestored
		r.RestorationError = ""
	case restored > 0:
		r.Status = StatusPartiallyRestored
		r.RestorationError = fmt.Sprintf("%d of %d re-adds failed", failed, restored+failed)
	default:
		r.Status = StatusRestorationFailed
		r.RestorationError = fmt.Sprintf("all %d re-adds failed", failed)
	}
}

// Outcome is the result of a revoke or restore. A partial outcome is not
// fatal: the record is persisted and the caller may retry.
type Outcome struct {
	Record  *Record `json:"record"`
	Partial bool    `json:"partial"`
}

// Err returns ErrPartialOperationFailure for partial outcomes.
func (o Outcome) Err() error {
	if o.Partial {
		return ErrPartialOperationFailure
	}
	return nil
}
