package isolation

import (
	"context"
	"errors"
	"sync"

	"github.com/b1gate/b1gate/internal/audit"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingAudit) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeLookup struct {
	byOID   map[string][]Member
	byEmail map[string][]Member
	err     error

	oidCalls   int
	emailCalls int
}

func (f *fakeLookup) MembersByObjectID(_ context.Context, oid string) ([]Member, error) {
	f.oidCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byOID[oid], nil
}

func (f *fakeLookup) MembersByEmail(_ context.Context, email string) ([]Member, error) {
	f.emailCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byEmail[email], nil
}

var errLookup = errors.New("connection refused")
