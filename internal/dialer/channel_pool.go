package dialer

import (
	"log"
	"sync"
	"sync/atomic"
)

// ChannelPool bounds direct (campaign-less) outbound calls. It tracks the
// global in-flight count and a per-line count keyed by the from number.
// Campaign calls do not pass through here; their limits live in the lease
// registry.
type ChannelPool struct {
	maxGlobal    int32
	maxPerLine   int32
	activeGlobal int32
	perLine      sync.Map // fromPhone -> *int32
}

// NewChannelPool creates a pool with the given limits
func NewChannelPool(maxGlobal, maxPerLine int) *ChannelPool {
	return &ChannelPool{
		maxGlobal:  int32(maxGlobal),
		maxPerLine: int32(maxPerLine),
	}
}

// Acquire attempts to take a slot on the given line. Returns false when
// either the global or the per-line limit would be exceeded.
func (cp *ChannelPool) Acquire(line string) bool {
	counterI, _ := cp.perLine.LoadOrStore(line, new(int32))
	counter := counterI.(*int32)

	for {
		current := atomic.LoadInt32(&cp.activeGlobal)
		if current >= atomic.LoadInt32(&cp.maxGlobal) {
			log.Printf("[ChannelPool] Global limit reached: %d/%d", current, cp.maxGlobal)
			return false
		}
		if atomic.CompareAndSwapInt32(&cp.activeGlobal, current, current+1) {
			break
		}
	}

	for {
		current := atomic.LoadInt32(counter)
		if current >= atomic.LoadInt32(&cp.maxPerLine) {
			atomic.AddInt32(&cp.activeGlobal, -1)
			log.Printf("[ChannelPool] Line %s limit reached: %d/%d", line, current, cp.maxPerLine)
			return false
		}
		if atomic.CompareAndSwapInt32(counter, current, current+1) {
			break
		}
	}

	return true
}

// Release returns a slot on the given line
func (cp *ChannelPool) Release(line string) {
	if atomic.AddInt32(&cp.activeGlobal, -1) < 0 {
		atomic.StoreInt32(&cp.activeGlobal, 0)
		log.Printf("[ChannelPool] WARNING: Global counter went negative, reset to 0")
	}

	if counterI, ok := cp.perLine.Load(line); ok {
		counter := counterI.(*int32)
		if atomic.AddInt32(counter, -1) < 0 {
			atomic.StoreInt32(counter, 0)
			log.Printf("[ChannelPool] WARNING: Line %s counter went negative, reset to 0", line)
		}
	}
}

// Available returns how many global slots remain
func (cp *ChannelPool) Available() int {
	available := int(atomic.LoadInt32(&cp.maxGlobal) - atomic.LoadInt32(&cp.activeGlobal))
	if available < 0 {
		return 0
	}
	return available
}

// ActiveGlobal returns the current global in-flight count
func (cp *ChannelPool) ActiveGlobal() int {
	return int(atomic.LoadInt32(&cp.activeGlobal))
}

// SetMaxGlobal updates the global limit dynamically
func (cp *ChannelPool) SetMaxGlobal(max int) {
	atomic.StoreInt32(&cp.maxGlobal, int32(max))
	log.Printf("[ChannelPool] Updated global limit to %d", max)
}
