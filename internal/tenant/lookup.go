package tenant

import (
	"context"
	"time"

	"github.com/b1gate/b1gate/internal/isolation"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// memberFinder is the subset of UserStore the lookup reads from.
type memberFinder interface {
	FindActiveByObjectID(ctx context.Context, objectID string) ([]OnboardedUser, error)
	FindActiveByEmail(ctx context.Context, email string) ([]OnboardedUser, error)
}

// UserLookup resolves identity provider attributes to onboarded users with a
// short-lived cache in front of the store. The cache is never authoritative:
// every write through UserService invalidates the affected entries.
type UserLookup struct {
	store memberFinder
	cache *lru.LRU[string, []isolation.Member]
}

// NewUserLookup creates a lookup holding at most size entries for ttl. A
// zero ttl or size disables caching.
func NewUserLookup(store memberFinder, size int, ttl time.Duration) *UserLookup {
	l := &UserLookup{store: store}
	if size > 0 && ttl > 0 {
		l.cache = lru.NewLRU[string, []isolation.Member](size, nil, ttl)
	}
	return l
}

func objectIDKey(objectID string) string { return "oid:" + objectID }
func emailKey(email string) string       { return "email:" + NormalizeEmail(email) }

// MembersByObjectID implements isolation.MemberLookup.
func (l *UserLookup) MembersByObjectID(ctx context.Context, objectID string) ([]isolation.Member, error) {
	return l.load(objectIDKey(objectID), func() ([]OnboardedUser, error) {
		return l.store.FindActiveByObjectID(ctx, objectID)
	})
}

// MembersByEmail implements isolation.MemberLookup.
func (l *UserLookup) MembersByEmail(ctx context.Context, email string) ([]isolation.Member, error) {
	return l.load(emailKey(email), func() ([]OnboardedUser, error) {
		return l.store.FindActiveByEmail(ctx, email)
	})
}

func (l *UserLookup) load(key string, fetch func() ([]OnboardedUser, error)) ([]isolation.Member, error) {
	if l.cache != nil {
		if members, ok := l.cache.Get(key); ok {
			return members, nil
		}
	}
	users, err := fetch()
	if err != nil {
		// Errors are not cached; the next call goes back to the store.
		return nil, err
	}
	members := make([]isolation.Member, len(users))
	for i, u := range users {
		members[i] = u.Member()
	}
	if l.cache != nil {
		l.cache.Add(key, members)
	}
	return members, nil
}

// Invalidate drops every cached entry that may hold user.
func (l *UserLookup) Invalidate(user *OnboardedUser) {
	if l.cache == nil || user == nil {
		return
	}
	if user.ObjectID != "" {
		l.cache.Remove(objectIDKey(user.ObjectID))
	}
	l.cache.Remove(emailKey(user.Email))
}
