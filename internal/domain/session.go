package domain

import "time"

// Session is the credential handle issued by the identity provider.
type Session struct {
	UserID      string
	IDToken     string
	AccessToken string
	Expiry      time.Time
}

// Expired reports whether the session expires within skew of now.
func (s Session) Expired(now time.Time, skew time.Duration) bool {
	if s.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.Expiry)
}
