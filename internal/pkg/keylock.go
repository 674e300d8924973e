package pkg

import "sync"

// KeyedBusy is a set of per-key busy flags. TryLock never blocks: a key that
// is already held reports false and the caller is expected to skip its work.
type KeyedBusy struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewKeyedBusy() *KeyedBusy {
	return &KeyedBusy{busy: make(map[string]struct{})}
}

func (k *KeyedBusy) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, held := k.busy[key]; held {
		return false
	}
	k.busy[key] = struct{}{}
	return true
}

func (k *KeyedBusy) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.busy, key)
}
