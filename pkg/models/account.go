package models

import "time"

// Credentials are upstream login credentials for the weather site.
// The password is replayed to the site and must never be logged.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Account describes a stored credential entry without exposing the secret
type Account struct {
	Ref     string    `json:"ref"`
	Email   string    `json:"email"`
	SavedAt time.Time `json:"savedAt"`
}
