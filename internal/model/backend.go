package model

import "time"

// BackendConfig holds the configuration for one downstream tool-providing
// backend. Each backend is exposed as an API namespace and owns its own
// connection pool, wait queue, and circuit breaker.
type BackendConfig struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Label     string    `json:"label" db:"label"`
	Protocol  string    `json:"protocol" db:"protocol"` // streamable-http, loopback
	URL       string    `json:"url" db:"url"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
