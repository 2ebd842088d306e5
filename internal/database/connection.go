package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"dialcast/internal/config"
)

// Connection manages the document store connection pool
type Connection struct {
	DB *sql.DB
}

// NewConnection opens the document store from DOCSTORE_URI
func NewConnection(cfg config.DatabaseConfig) (*Connection, error) {
	db, err := sql.Open("mysql", cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to document store: %w", err)
	}

	return &Connection{DB: db}, nil
}

// Close closes the connection pool
func (c *Connection) Close() error {
	return c.DB.Close()
}
