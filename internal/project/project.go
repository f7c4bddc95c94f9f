// Package project implements the read-mostly project store backed by
// data/projects.json. Readers observe immutable snapshots; writes go
// through atomic temp-file replacement.
package project

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Status values a project can carry.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// USD is a currency amount held as integer cents to keep the two-decimal
// budget invariant exact. It marshals as a plain two-decimal JSON number.
type USD int64

// FromFloat converts a dollar amount to cents, rounding to two decimals.
func FromFloat(v float64) USD {
	return USD(math.Round(v * 100))
}

// Float returns the dollar value.
func (u USD) Float() float64 { return float64(u) / 100 }

func (u USD) MarshalJSON() ([]byte, error) {
	sign := ""
	v := int64(u)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return []byte(fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)), nil
}

func (u *USD) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid currency amount %s: %w", data, err)
	}
	*u = FromFloat(f)
	return nil
}

// Project is one tenant record as persisted in projects.json.
type Project struct {
	ProjectID       string    `json:"project_id"`
	Name            string    `json:"name"`
	Owner           string    `json:"owner,omitempty"`
	APIKeyHash      string    `json:"api_key_hash"`
	AllowedModels   []string  `json:"allowed_models"`
	Status          string    `json:"status"`
	BudgetRemaining USD       `json:"budget_remaining"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsActive reports whether the project may authenticate and invoke models.
func (p *Project) IsActive() bool { return p.Status == StatusActive }

// AllowsModel reports whether the model is in the project's allow-list.
func (p *Project) AllowsModel(modelID string) bool {
	for _, m := range p.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}
