package revocation

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleRevocation(t *testing.T) {
	tests := []struct {
		name       string
		artifacts  []Artifact
		wantStatus Status
		wantOK     bool
	}{
		{"nothing to remove", nil, StatusActive, true},
		{"all removed", []Artifact{{ID: "a", Removed: true}, {ID: "b", Removed: true}}, StatusActive, true},
		{"some failed", []Artifact{{ID: "a", Removed: true}, {ID: "b", RemovalError: "boom"}}, StatusPartiallyRevoked, false},
		{"all failed", []Artifact{{ID: "a", RemovalError: "boom"}}, StatusFailed, false},
		{"vanished failure", []Artifact{{ID: "a", Removed: true}, {ID: "b"}}, StatusActive, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{SecurityGroups: tt.artifacts}
			r.settleRevocation()
			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, tt.wantOK, r.RevocationSuccessful)
			assert.Equal(t, tt.wantOK, r.RevocationError == "")
		})
	}
}

func TestSettleRestoration(t *testing.T) {
	tests := []struct {
		name       string
		artifacts  []Artifact
		wantStatus Status
	}{
		{"never removed items are ignored", []Artifact{{ID: "a", Removed: true, Restored: true}, {ID: "b", RemovalError: "boom"}}, StatusRestored},
		{"one re-add failed", []Artifact{{ID: "a", Removed: true, Restored: true}, {ID: "b", Removed: true, RestoreError: "boom"}}, StatusPartiallyRestored},
		{"every re-add failed", []Artifact{{ID: "a", Removed: true, RestoreError: "boom"}}, StatusRestorationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{AppRoles: tt.artifacts}
			r.settleRestoration()
			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, tt.wantStatus == StatusRestored, r.RestorationSuccessful)
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusActive.Open())
	assert.True(t, StatusPartiallyRevoked.Open())
	assert.False(t, StatusFailed.Open())
	assert.True(t, StatusPartiallyRestored.Restorable())
	assert.False(t, StatusRestored.Restorable())
	assert.False(t, StatusRestorationFailed.Restorable())
	assert.False(t, StatusFailed.Restorable())

	_, err := ParseStatus("")
	assert.ErrorIs(t, err, ErrUnknownStatus)
	s, err := ParseStatus("PartiallyRestored")
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRestored, s)
}

func TestDetailsKeepNumbersExact(t *testing.T) {
	r := &Record{}
	require.NoError(t, r.SetDetail("ticket", json.RawMessage(`9007199254740993`)))
	require.NoError(t, r.SetDetail("ratio", 0.1))

	var v any
	ok, err := r.Detail("ticket", &v)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), v)

	ok, err = r.Detail("missing", &v)
	require.NoError(t, err)
	assert.False(t, ok)

	raw, err := json.Marshal(r.Details)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ticket":9007199254740993,"ratio":0.1}`, string(raw))
}

func TestUserLocks(t *testing.T) {
	l := newUserLocks()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("u-1")
			defer unlock()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, l.held())

	// Different users do not block each other.
	unlockA := l.lock("a")
	unlockB := l.lock("b")
	assert.Equal(t, 2, l.held())
	unlockA()
	unlockB()
	assert.Equal(t, 0, l.held())
}
