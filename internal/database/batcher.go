package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	BatchSize     = 1000
	FlushInterval = 500 * time.Millisecond
	BufferSize    = 5000
)

// LogUpdate represents a pending terminal-status write to a call log
type LogUpdate struct {
	ID            string
	Status        string
	DurationSec   int
	FailureReason *string
	Voicemail     bool
}

// LogBatcher buffers call-log finalizations and flushes them in bulk. Webhook
// bursts at campaign scale would otherwise issue one UPDATE per call.
type LogBatcher struct {
	db        *sql.DB
	updates   chan LogUpdate
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewLogBatcher creates a new batcher
func NewLogBatcher(db *sql.DB) *LogBatcher {
	return &LogBatcher{
		db:      db,
		updates: make(chan LogUpdate, BufferSize),
	}
}

// Start initiates the background worker
func (b *LogBatcher) Start() {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = true
	b.wg.Add(1)
	b.mu.Unlock()

	go b.worker()
	log.Println("[LogBatcher] Worker started")
}

// Stop flushes remaining items and stops the worker
func (b *LogBatcher) Stop() {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = false
	b.mu.Unlock()

	close(b.updates)
	b.wg.Wait()
	log.Println("[LogBatcher] Worker stopped")
}

// Queue adds an update to the buffer
func (b *LogBatcher) Queue(update LogUpdate) {
	select {
	case b.updates <- update:
	default:
		// Drop update if buffer is full to prevent blocking
		log.Printf("[LogBatcher] WARNING: Buffer full, dropping update for %s", update.ID)
	}
}

func (b *LogBatcher) worker() {
	defer b.wg.Done()

	buffer := make([]LogUpdate, 0, BatchSize)
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-b.updates:
			if !ok {
				if len(buffer) > 0 {
					b.flush(buffer)
				}
				return
			}
			buffer = append(buffer, update)
			if len(buffer) >= BatchSize {
				b.flush(buffer)
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) > 0 {
				b.flush(buffer)
				buffer = buffer[:0]
			}
		}
	}
}

// flush writes one bulk UPDATE using CASE over the batched ids. Ids are
// internally generated uuids, statuses come from a fixed vocabulary, so
// string construction is safe here.
func (b *LogBatcher) flush(updates []LogUpdate) {
	if len(updates) == 0 {
		return
	}

	start := time.Now()

	ids := make([]string, len(updates))
	statusCases := make([]string, 0, len(updates))
	durationCases := make([]string, 0, len(updates))
	voicemailCases := make([]string, 0, len(updates))
	reasonCases := make([]string, 0, len(updates))

	for i, u := range updates {
		quoted := "'" + u.ID + "'"
		ids[i] = quoted

		statusCases = append(statusCases, fmt.Sprintf("WHEN %s THEN '%s'", quoted, u.Status))
		durationCases = append(durationCases, fmt.Sprintf("WHEN %s THEN %d", quoted, u.DurationSec))

		voicemailVal := "0"
		if u.Voicemail {
			voicemailVal = "1"
		}
		voicemailCases = append(voicemailCases, fmt.Sprintf("WHEN %s THEN %s", quoted, voicemailVal))

		if u.FailureReason != nil {
			reasonCases = append(reasonCases, fmt.Sprintf("WHEN %s THEN '%s'", quoted, strings.ReplaceAll(*u.FailureReason, "'", "")))
		}
	}

	idList := strings.Join(ids, ",")

	var queryBuilder strings.Builder
	queryBuilder.WriteString("UPDATE dialcast_call_logs SET ")
	queryBuilder.WriteString(fmt.Sprintf("status = CASE id %s END, ", strings.Join(statusCases, " ")))
	queryBuilder.WriteString(fmt.Sprintf("duration_sec = CASE id %s END, ", strings.Join(durationCases, " ")))
	queryBuilder.WriteString(fmt.Sprintf("voicemail_detected = CASE id %s END, ", strings.Join(voicemailCases, " ")))
	queryBuilder.WriteString("ended_at = COALESCE(ended_at, NOW())")

	if len(reasonCases) > 0 {
		queryBuilder.WriteString(fmt.Sprintf(", failure_reason = CASE id %s ELSE failure_reason END", strings.Join(reasonCases, " ")))
	}

	queryBuilder.WriteString(fmt.Sprintf(" WHERE id IN (%s)", idList))

	_, err := b.db.Exec(queryBuilder.String())
	if err != nil {
		log.Printf("[LogBatcher] ERROR flushing batch of %d items: %v", len(updates), err)
		return
	}

	log.Printf("[LogBatcher] Flushed %d updates in %v", len(updates), time.Since(start))
	b.syncContacts(idList)
}

// syncContacts propagates finalized call-log statuses onto the linked
// campaign contacts that are still in the calling state.
func (b *LogBatcher) syncContacts(idList string) {
	query := `
		UPDATE dialcast_contacts ct
		INNER JOIN dialcast_call_logs cl ON ct.call_log_id = cl.id
		SET
			ct.status = CASE
				WHEN cl.voicemail_detected = 1 THEN 'voicemail'
				WHEN cl.status = 'completed' THEN 'completed'
				WHEN cl.status IN ('failed', 'no-answer', 'busy', 'canceled') THEN 'failed'
				ELSE ct.status
			END,
			ct.failure_reason = cl.failure_reason
		WHERE cl.id IN (` + idList + `)
		  AND ct.status = 'calling'
	`

	result, err := b.db.Exec(query)
	if err != nil {
		log.Printf("[LogBatcher] ERROR syncing contacts: %v", err)
		return
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		log.Printf("[LogBatcher] Synced %d contacts", rows)
	}
}
