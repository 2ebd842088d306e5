package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// schema holds the idempotent DDL of the document collections. Compound
// indexes match the dispatcher's hot queries: (campaignId, status) for the
// sweepers, (scheduledFor, status) for the delayed-job reconstruction, and
// the unique (originalCallLogId, attemptNumber) retry constraint.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS dialcast_campaigns (
		id               VARCHAR(36) PRIMARY KEY,
		name             VARCHAR(255) NOT NULL,
		concurrent_limit INT NOT NULL DEFAULT 1,
		status           VARCHAR(16) NOT NULL DEFAULT 'draft',
		agent_id         VARCHAR(36) NOT NULL DEFAULT '',
		user_id          VARCHAR(36) NOT NULL DEFAULT '',
		from_phone       VARCHAR(20) NOT NULL DEFAULT '',
		total_contacts   INT NOT NULL DEFAULT 0,
		active_calls     INT NOT NULL DEFAULT 0,
		queued_calls     INT NOT NULL DEFAULT 0,
		completed_calls  INT NOT NULL DEFAULT 0,
		failed_calls     INT NOT NULL DEFAULT 0,
		voicemail_calls  INT NOT NULL DEFAULT 0,
		created_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_campaigns_user_status (user_id, status),
		INDEX idx_campaigns_status (status)
	)`,

	`CREATE TABLE IF NOT EXISTS dialcast_contacts (
		id             VARCHAR(36) PRIMARY KEY,
		campaign_id    VARCHAR(36) NOT NULL,
		phone_number   VARCHAR(20) NOT NULL,
		status         VARCHAR(16) NOT NULL DEFAULT 'pending',
		retry_count    INT NOT NULL DEFAULT 0,
		next_retry_at  TIMESTAMP NULL,
		failure_reason VARCHAR(64) NULL,
		call_log_id    VARCHAR(36) NULL,
		created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_contacts_campaign_status (campaign_id, status)
	)`,

	`CREATE TABLE IF NOT EXISTS dialcast_call_logs (
		id                 VARCHAR(36) PRIMARY KEY,
		direction          VARCHAR(10) NOT NULL DEFAULT 'outbound',
		from_phone         VARCHAR(20) NOT NULL DEFAULT '',
		to_phone           VARCHAR(20) NOT NULL,
		status             VARCHAR(16) NOT NULL DEFAULT 'initiated',
		duration_sec       INT NOT NULL DEFAULT 0,
		started_at         TIMESTAMP NULL,
		ended_at           TIMESTAMP NULL,
		failure_reason     VARCHAR(64) NULL,
		lease_token        VARCHAR(64) NOT NULL DEFAULT '',
		call_id            VARCHAR(64) NOT NULL DEFAULT '',
		vendor_call_id     VARCHAR(64) NOT NULL DEFAULT '',
		campaign_id        VARCHAR(36) NULL,
		contact_id         VARCHAR(36) NULL,
		voicemail_detected BOOLEAN NOT NULL DEFAULT FALSE,
		is_retry           BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_call_logs_campaign_status (campaign_id, status),
		INDEX idx_call_logs_vendor (vendor_call_id),
		INDEX idx_call_logs_status_created (status, created_at)
	)`,

	`CREATE TABLE IF NOT EXISTS dialcast_scheduled_calls (
		id             VARCHAR(36) PRIMARY KEY,
		phone_number   VARCHAR(20) NOT NULL,
		agent_id       VARCHAR(36) NOT NULL DEFAULT '',
		user_id        VARCHAR(36) NOT NULL DEFAULT '',
		scheduled_for  TIMESTAMP NOT NULL,
		timezone       VARCHAR(64) NOT NULL DEFAULT 'UTC',
		status         VARCHAR(16) NOT NULL DEFAULT 'pending',
		business_hours TEXT NULL,
		recurring      TEXT NULL,
		job_id         VARCHAR(64) NOT NULL DEFAULT '',
		is_retry       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_scheduled_for_status (scheduled_for, status),
		INDEX idx_scheduled_user_status (user_id, status)
	)`,

	`CREATE TABLE IF NOT EXISTS dialcast_retry_attempts (
		id                   VARCHAR(36) PRIMARY KEY,
		original_call_log_id VARCHAR(36) NOT NULL,
		attempt_number       INT NOT NULL,
		scheduled_for        TIMESTAMP NOT NULL,
		status               VARCHAR(16) NOT NULL DEFAULT 'pending',
		failure_reason       VARCHAR(64) NOT NULL,
		created_at           TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_retry_origin_attempt (original_call_log_id, attempt_number)
	)`,

	`CREATE TABLE IF NOT EXISTS dialcast_users (
		id            INT AUTO_INCREMENT PRIMARY KEY,
		email         VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		name          VARCHAR(255) NOT NULL DEFAULT '',
		role          VARCHAR(32) NOT NULL DEFAULT 'admin',
		created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Migrate applies the schema; safe to run on every startup
func Migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	log.Println("[Database] Schema up to date")
	return nil
}
