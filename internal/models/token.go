package models

import "time"

// OAuthToken is a cached bearer credential. ExpiresAt already has the
// safety buffer subtracted.
type OAuthToken struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	Scope       string
	RefreshedAt time.Time
}

func (t *OAuthToken) ValidAt(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt)
}
