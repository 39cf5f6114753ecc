package model

import "time"

// Tenant is a builder/agency account that owns webhook endpoints and
// authenticates producer calls with its API key.
type Tenant struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	APIKey       string    `db:"api_key"`
	Status       string    `db:"status"`         // active|suspended
	RateLimitRPS *int      `db:"rate_limit_rps"` // nullable
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
