package integrations

import "context"

// Locker provides mutual exclusion for refreshes across processes. The
// Manager already collapses concurrent refreshes inside one process; a Locker
// is only needed when several instances share a ConnectionStore.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func
	// releases the lock and is safe to call once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

func refreshLockKey(userID string, provider Provider) string {
	return "refresh:" + string(provider) + ":" + userID
}
