package ondus

import "time"

// Credential holds one issued token pair. A Credential is immutable once
// issued; the session replaces it wholesale under the refresh gate, and
// readers only ever see a copy.
type Credential struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// accessMargin is subtracted from the access window so a token handed out
// just before expiry cannot go stale mid-request.
const accessMargin = 15 * time.Second

// AccessValid reports whether the access token is usable at now.
func (c *Credential) AccessValid(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return now.Sub(c.IssuedAt) < c.AccessTTL-accessMargin
}

// RefreshValid reports whether the refresh token is usable at now.
func (c *Credential) RefreshValid(now time.Time) bool {
	if c == nil || c.RefreshToken == "" {
		return false
	}
	return now.Sub(c.IssuedAt) < c.RefreshTTL
}

// tokenResponse is the oidc token endpoint payload, shared by the login
// redirect exchange and the refresh endpoint.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
}

func (tr *tokenResponse) credential(now time.Time) *Credential {
	return &Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IssuedAt:     now,
		AccessTTL:    time.Duration(tr.ExpiresIn) * time.Second,
		RefreshTTL:   time.Duration(tr.RefreshExpiresIn) * time.Second,
	}
}
