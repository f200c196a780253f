package topology

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Snapshot is a private copy of the topology taken at Version.
type Snapshot struct {
	Version  uint64
	Topology *Topology
}

// Guard serializes mutations per service subtree.
//
// Update holds the tree-wide lock shared and the service lock exclusive, so
// events for different services apply in parallel while events for the same
// service are strictly ordered. UpdateAll and Snapshot hold the tree-wide lock
// exclusive. The version advances once per successful mutation.
type Guard struct {
	mu    sync.RWMutex
	locks *xsync.Map[string, *sync.Mutex]
	// unknown serializes updates naming a service that does not exist, so
	// such names never enter locks.
	unknown sync.Mutex
	topo    *Topology
	version atomic.Uint64
}

func NewGuard(t *Topology) *Guard {
	if t == nil {
		t = New()
	}
	g := &Guard{topo: t, locks: xsync.NewMap[string, *sync.Mutex]()}
	g.syncLocks()
	return g
}

// syncLocks makes locks hold exactly the current service names. Callers hold
// mu exclusively or own g alone.
func (g *Guard) syncLocks() {
	for name := range g.topo.services {
		g.locks.LoadOrStore(name, &sync.Mutex{})
	}
	g.locks.Range(func(name string, _ *sync.Mutex) bool {
		if _, ok := g.topo.services[name]; !ok {
			g.locks.Delete(name)
		}
		return true
	})
}

// serviceLock returns the lock of an existing service, or the shared lock
// for unknown names. Services only appear under the exclusive lock, so the
// answer holds while mu is read-locked.
func (g *Guard) serviceLock(service string) *sync.Mutex {
	if l, ok := g.locks.Load(service); ok {
		return l
	}
	return &g.unknown
}

// Update runs fn with exclusive access to one service subtree. fn must not
// touch other services. It returns the version assigned to the mutation.
func (g *Guard) Update(service string, fn func(*Topology) error) (uint64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	l := g.serviceLock(service)
	l.Lock()
	defer l.Unlock()

	if err := fn(g.topo); err != nil {
		return g.version.Load(), err
	}
	return g.version.Add(1), nil
}

// UpdateAll runs fn with the whole tree locked. Used by mutations that add or
// remove services.
func (g *Guard) UpdateAll(fn func(*Topology) error) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := fn(g.topo); err != nil {
		return g.version.Load(), err
	}
	g.syncLocks()
	return g.version.Add(1), nil
}

// View runs fn with shared access to one service. fn sees nil when the
// service does not exist.
func (g *Guard) View(service string, fn func(*Service)) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	l, ok := g.locks.Load(service)
	if !ok {
		fn(nil)
		return
	}
	l.Lock()
	defer l.Unlock()

	s, _ := g.topo.Service(service)
	fn(s)
}

func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{Version: g.version.Load(), Topology: g.topo.Clone()}
}

func (g *Guard) Version() uint64 { return g.version.Load() }
