package mailbox

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process Store. Participants sharing one Memory see each
// other's writes, which makes it usable for tests and single-process demos.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]Document
	logs     map[string][][]byte
	watchers map[string]map[chan struct{}]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]Document),
		logs:     make(map[string][][]byte),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

func (m *Memory) Put(_ context.Context, key string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(doc) == 0 {
		delete(m.docs, key)
	} else {
		m.docs[key] = doc.Clone()
	}
	m.notifyLocked(key)
	return nil
}

func (m *Memory) Merge(_ context.Context, key string, expect, fields Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.docs[key]
	if !ok {
		return ErrNotFound
	}
	for f, want := range expect {
		if !bytes.Equal(cur[f], want) {
			return ErrConflict
		}
	}
	next := cur.Clone()
	for f, v := range fields {
		next[f] = append([]byte(nil), v...)
	}
	m.docs[key] = next
	m.notifyLocked(key)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteLocked(keys)
	return nil
}

func (m *Memory) DeleteIf(_ context.Context, key string, expect Document, also ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.docs[key]
	if !ok {
		return false, nil
	}
	for f, want := range expect {
		if !bytes.Equal(cur[f], want) {
			return false, nil
		}
	}
	m.deleteLocked(append([]string{key}, also...))
	return true, nil
}

func (m *Memory) deleteLocked(keys []string) {
	for _, key := range keys {
		_, isDoc := m.docs[key]
		_, isLog := m.logs[key]
		if !isDoc && !isLog {
			continue
		}
		delete(m.docs, key)
		delete(m.logs, key)
		m.notifyLocked(key)
	}
}

func (m *Memory) Watch(ctx context.Context, key string) (*Subscription[Document], error) {
	wake := m.register(key)
	return Start(ctx, func(ctx context.Context, emit func(Document) bool) error {
		defer m.unregister(key, wake)
		for {
			m.mu.Lock()
			snap := m.docs[key].Clone()
			m.mu.Unlock()

			if !emit(snap) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
		}
	}), nil
}

func (m *Memory) Append(_ context.Context, key string, entry []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs[key] = append(m.logs[key], append([]byte(nil), entry...))
	m.notifyLocked(key)
	return nil
}

func (m *Memory) Tail(ctx context.Context, key string) (*Subscription[[]byte], error) {
	wake := m.register(key)
	return Start(ctx, func(ctx context.Context, emit func([]byte) bool) error {
		defer m.unregister(key, wake)
		next := 0
		for {
			m.mu.Lock()
			entries := m.logs[key]
			if next > len(entries) {
				next = len(entries)
			}
			pending := entries[next:]
			next = len(entries)
			m.mu.Unlock()

			for _, e := range pending {
				if !emit(e) {
					return nil
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
		}
	}), nil
}

func (m *Memory) register(key string) chan struct{} {
	wake := make(chan struct{}, 1)
	m.mu.Lock()
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[chan struct{}]struct{})
	}
	m.watchers[key][wake] = struct{}{}
	m.mu.Unlock()
	return wake
}

func (m *Memory) unregister(key string, wake chan struct{}) {
	m.mu.Lock()
	delete(m.watchers[key], wake)
	if len(m.watchers[key]) == 0 {
		delete(m.watchers, key)
	}
	m.mu.Unlock()
}

// notifyLocked wakes every watcher of key. A watcher that has not consumed
// its previous wake-up gets only one, which coalesces bursts of writes.
func (m *Memory) notifyLocked(key string) {
	for wake := range m.watchers[key] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
