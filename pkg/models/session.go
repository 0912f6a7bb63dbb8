package models

import "time"

// SessionInfo describes a live session to API callers
type SessionInfo struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActive    time.Time `json:"lastActive"`
	AgeMinutes    float64   `json:"ageMinutes"`
	IdleMinutes   float64   `json:"idleMinutes"`
	Authenticated bool      `json:"authenticated"`
	Account       string    `json:"account,omitempty"`
}
