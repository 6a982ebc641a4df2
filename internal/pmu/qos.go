package pmu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/pwrctl/internal/mmio"
)

// MasterQoS is the saved configuration of one QoS generator, in
// priority/mode/bandwidth/saturation/extcontrol order.
type MasterQoS struct {
	Master QoSMaster
	Regs   [QoSRegCount]uint32
}

// QoSSnapshot holds the QoS configuration of every master of one domain.
type QoSSnapshot struct {
	Domain  Domain
	Masters []MasterQoS
}

// QoSCache keeps QoS configuration across a domain power cycle. The domains
// restored are exactly the domains saved.
type QoSCache struct {
	bus mmio.Bus
	reg *Registry

	mu    sync.Mutex
	saved []QoSSnapshot
}

// NewQoSCache returns an empty cache.
func NewQoSCache(bus mmio.Bus, reg *Registry) *QoSCache {
	return &QoSCache{bus: bus, reg: reg}
}

// Save snapshots every QoS domain that is currently on and returns the
// domains saved. Any earlier snapshot is replaced.
func (c *QoSCache) Save() ([]Domain, error) {
	return c.SaveDomains(QoSDomains())
}

// SaveDomains snapshots the domains of ds that are on and have QoS masters.
func (c *QoSCache) SaveDomains(ds []Domain) ([]Domain, error) {
	bitmap := c.reg.Bitmap()

	var snaps []QoSSnapshot
	var saved []Domain
	for _, d := range ds {
		if !d.Valid() {
			return nil, fmt.Errorf("pmu: qos save: unknown domain %s", d)
		}
		masters := d.QoSMasters()
		if len(masters) == 0 || stateOf(bitmap, d) != On {
			continue
		}
		snap := QoSSnapshot{Domain: d, Masters: make([]MasterQoS, len(masters))}
		for i, m := range masters {
			snap.Masters[i].Master = m
			for j, off := range qosRegOffsets {
				snap.Masters[i].Regs[j] = c.bus.Read32(m.Base + off)
			}
		}
		snaps = append(snaps, snap)
		saved = append(saved, d)
	}

	c.mu.Lock()
	c.saved = snaps
	c.mu.Unlock()
	return saved, nil
}

// Restore writes back every saved snapshot and empties the cache. Every saved
// domain must be on again; otherwise nothing is written.
func (c *QoSCache) Restore() ([]Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bitmap := c.reg.Bitmap()
	for _, snap := range c.saved {
		if stateOf(bitmap, snap.Domain) != On {
			return nil, fmt.Errorf("pmu: qos restore %s: domain is off: %w", snap.Domain, ErrInvalidTransition)
		}
	}

	restored := make([]Domain, 0, len(c.saved))
	for _, snap := range c.saved {
		for _, m := range snap.Masters {
			for j, off := range qosRegOffsets {
				c.bus.Write32(m.Master.Base+off, m.Regs[j])
			}
		}
		restored = append(restored, snap.Domain)
	}
	c.saved = nil
	return restored, nil
}

// Saved returns the domains currently held.
func (c *QoSCache) Saved() []Domain {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Domain, len(c.saved))
	for i, s := range c.saved {
		out[i] = s.Domain
	}
	return out
}

// Snapshot returns the held snapshot of a domain.
func (c *QoSCache) Snapshot(d Domain) (QoSSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.saved {
		if s.Domain == d {
			return s, true
		}
	}
	return QoSSnapshot{}, false
}
