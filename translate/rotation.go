package translate

import "sync/atomic"

// Rotation hands out API keys round-robin. It is safe for concurrent use.
type Rotation struct {
	keys []string
	next atomic.Uint64
}

// NewRotation returns a rotation over keys. keys must not be empty.
func NewRotation(keys []string) *Rotation {
	return &Rotation{keys: append([]string(nil), keys...)}
}

// Len returns the number of keys.
func (r *Rotation) Len() int { return len(r.keys) }

// At returns the key bound to worker i.
func (r *Rotation) At(i int) string {
	return r.keys[i%len(r.keys)]
}

// Next returns the next key in rotation order, starting with the first.
func (r *Rotation) Next() string {
	n := r.next.Add(1) - 1
	return r.keys[n%uint64(len(r.keys))]
}
