package leader

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dialcast/internal/kvstore"
)

const (
	// LeaderKey is the cluster-wide election key.
	LeaderKey = "dialcast:leader"
	// LeaseTTL is how long leadership survives without renewal.
	LeaseTTL = 15 * time.Second
	// RenewInterval is how often the holder extends its lease.
	RenewInterval = 5 * time.Second
)

// Elector elects a single primary instance over the key-value store. The
// primary runs the campaign workers, janitors and delayed-job runner; a
// restart of the primary transfers ownership within LeaseTTL.
type Elector struct {
	store *kvstore.Store
	token string

	renewScript   *redis.Script
	releaseScript *redis.Script

	leader   bool
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewElector creates a leader elector with a process-unique token
func NewElector(store *kvstore.Store) *Elector {
	return &Elector{
		store:         store,
		token:         uuid.NewString(),
		renewScript:   redis.NewScript(renewLeaderLua),
		releaseScript: redis.NewScript(releaseLeaderLua),
		stopChan:      make(chan struct{}),
	}
}

const renewLeaderLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
  return 1
end
return 0
`

const releaseLeaderLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`

// Start begins the election loop
func (e *Elector) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run()
	log.Println("[Leader] Elector started")
}

// Stop resigns leadership (if held) and stops the loop
func (e *Elector) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.releaseScript.Run(ctx, e.store.Client(), []string{LeaderKey}, e.token).Err(); err != nil && err != redis.Nil {
		log.Printf("[Leader] Error releasing leadership: %v", err)
	}
	log.Println("[Leader] Elector stopped")
}

// IsLeader reports whether this process currently holds leadership
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *Elector) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(RenewInterval)
	defer ticker.Stop()

	e.tick()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Elector) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	was := e.IsLeader()

	var now bool
	if was {
		renewed, err := e.renewScript.Run(ctx, e.store.Client(), []string{LeaderKey}, e.token, int(LeaseTTL.Seconds())).Int()
		if err != nil {
			log.Printf("[Leader] Error renewing leadership: %v", err)
			return
		}
		now = renewed == 1
	} else {
		acquired, err := e.store.Client().SetNX(ctx, LeaderKey, e.token, LeaseTTL).Result()
		if err != nil {
			log.Printf("[Leader] Error contesting leadership: %v", err)
			return
		}
		now = acquired
	}

	e.mu.Lock()
	e.leader = now
	e.mu.Unlock()

	if now && !was {
		log.Println("[Leader] Acquired leadership, this instance is primary")
	}
	if !now && was {
		log.Println("[Leader] Lost leadership")
	}
}
