package stream

import (
	"sort"
	"strings"
)

// registry is the durable set of subscription keys. It persists across
// reconnects and only explicit subscribe/unsubscribe calls mutate it.
// Not safe for concurrent use; the Manager guards it with its own mutex.
type registry struct {
	keys map[string]struct{}
}

func newRegistry() *registry {
	return &registry{keys: make(map[string]struct{})}
}

// add inserts a key, reporting whether it was new.
func (r *registry) add(key string) bool {
	if _, ok := r.keys[key]; ok {
		return false
	}
	r.keys[key] = struct{}{}
	return true
}

// remove deletes a key, reporting whether it was present.
func (r *registry) remove(key string) bool {
	if _, ok := r.keys[key]; !ok {
		return false
	}
	delete(r.keys, key)
	return true
}

func (r *registry) len() int {
	return len(r.keys)
}

// snapshot returns the keys sorted.
func (r *registry) snapshot() []string {
	keys := make([]string, 0, len(r.keys))
	for k := range r.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// wire returns the full key set joined with "#", sorted so the frame is
// deterministic regardless of subscribe order.
func (r *registry) wire() string {
	return strings.Join(r.snapshot(), "#")
}
