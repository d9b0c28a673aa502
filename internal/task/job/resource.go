package job

import (
	"strings"
	"sync"
)

// DefaultCapacity is the slot count of each well-known resource class.
const DefaultCapacity = 2

// Mode is the resource class a running job currently holds.
type Mode int

const (
	ModeNone Mode = iota
	ModeCPU
	ModeNetwork
)

func (m Mode) String() string {
	switch m {
	case ModeCPU:
		return "cpu"
	case ModeNetwork:
		return "network"
	default:
		return "none"
	}
}

// ResourceCounter is a named counting admission primitive with a resizable capacity.
//
// Waiters block on a broadcast channel that is closed and replaced whenever a slot
// frees up, so a waiter can select on it together with its own cancel channel.
// No ordering among waiters is promised.
type ResourceCounter struct {
	name string

	mu       sync.Mutex
	capacity int
	inUse    int
	waiting  int
	changed  chan struct{}
}

type CounterSnapshot struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	InUse     int    `json:"in_use"`
	Available int    `json:"available"`
	Waiting   int    `json:"waiting"`
}

func NewResourceCounter(name string, capacity int) *ResourceCounter {
	if capacity < 1 {
		capacity = 1
	}
	return &ResourceCounter{
		name:     strings.TrimSpace(name),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

func (c *ResourceCounter) Name() string { return c.name }

// Available returns capacity minus slots in use, never below zero.
func (c *ResourceCounter) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availableLocked()
}

func (c *ResourceCounter) availableLocked() int {
	return max(0, c.capacity-c.inUse)
}

// Acquire blocks until a slot is free and takes it. It returns false without
// taking a slot when cancel is closed before or while waiting.
func (c *ResourceCounter) Acquire(cancel <-chan struct{}) bool {
	for {
		select {
		case <-cancel:
			return false
		default:
		}

		c.mu.Lock()
		if c.availableLocked() > 0 {
			c.inUse++
			c.mu.Unlock()
			return true
		}
		ch := c.changed
		c.waiting++
		c.mu.Unlock()

		select {
		case <-ch:
		case <-cancel:
		}

		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()
	}
}

// Release frees one slot and wakes every waiter. Releasing a slot that was never
// acquired panics.
func (c *ResourceCounter) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse == 0 {
		panic("job: release of unacquired " + c.name + " slot")
	}
	c.inUse--
	c.broadcastLocked()
}

// SetCapacity resizes the counter. Shrinking below the slots in use only
// delays new admissions until enough slots are released.
func (c *ResourceCounter) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == c.capacity {
		return
	}
	c.capacity = n
	c.broadcastLocked()
}

func (c *ResourceCounter) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

func (c *ResourceCounter) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{
		Name:      c.name,
		Capacity:  c.capacity,
		InUse:     c.inUse,
		Available: c.availableLocked(),
		Waiting:   c.waiting,
	}
}

func (c *ResourceCounter) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Resources bundles the well-known counters. Build one per scheduler instance.
type Resources struct {
	CPU     *ResourceCounter
	Network *ResourceCounter
}

func NewResources(cpu, network int) *Resources {
	return &Resources{
		CPU:     NewResourceCounter("cpu", cpu),
		Network: NewResourceCounter("network", network),
	}
}

// DefaultResources returns counters with DefaultCapacity slots each.
func DefaultResources() *Resources {
	return NewResources(DefaultCapacity, DefaultCapacity)
}

func (r *Resources) counter(m Mode) *ResourceCounter {
	if r == nil {
		return nil
	}
	switch m {
	case ModeCPU:
		return r.CPU
	case ModeNetwork:
		return r.Network
	default:
		return nil
	}
}

func (r *Resources) Snapshot() []CounterSnapshot {
	if r == nil {
		return nil
	}
	return []CounterSnapshot{r.CPU.Snapshot(), r.Network.Snapshot()}
}
