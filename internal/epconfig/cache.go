// Package epconfig implements the endpoint-config cache of spec §4.2: it
// interns structural endpoint configurations so many endpoints sharing a
// transport selection share one derived parameter block.
package epconfig

import "fmt"

// MaxEntries is the hard cap on distinct configurations (§3: "ep_config_max
// bound is polynomial in num_tls and capped at 255"). Overflow is fatal by
// design (spec §9's open question: "a known limitation ... do not silently
// redesign").
const MaxEntries = 255

// Key is the structural selection key two endpoints must share to reuse one
// cached config. It must be comparable (used as a map key).
type Key struct {
	TLBitmap   uint64 // bitmask of transport-lane indices selected
	AMLane     uint8
	RMALane    uint8
	AtomicLane uint8
}

// Cache hash-conses Keys to stable indices, insertion-order stable.
type Cache struct {
	index   map[Key]uint8
	entries []Key
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{index: make(map[Key]uint8)}
}

// Get interns key and returns its stable index. Equal keys always return
// the same index; insertion order determines the index assigned to new
// keys. Panics once MaxEntries is exceeded, matching the C original's fatal
// overflow behavior.
func (c *Cache) Get(key Key) uint8 {
	if idx, ok := c.index[key]; ok {
		return idx
	}
	if len(c.entries) >= MaxEntries {
		panic(fmt.Sprintf("epconfig: cache exhausted at %d entries (TODO: support larger)", MaxEntries))
	}
	idx := uint8(len(c.entries))
	c.entries = append(c.entries, key)
	c.index[key] = idx
	return idx
}

// Len reports how many distinct configurations have been interned.
func (c *Cache) Len() int { return len(c.entries) }

// KeyAt returns the structural key stored at idx.
func (c *Cache) KeyAt(idx uint8) (Key, bool) {
	if int(idx) >= len(c.entries) {
		return Key{}, false
	}
	return c.entries[idx], true
}
