package auth

import (
	"time"

	"token-service/internal/permission"
)

const (
	// MaxAuthorizationsKept bounds the per account authorization history.
	MaxAuthorizationsKept = 10
	// MaxBansKept bounds the stored ban list before deduplication.
	MaxBansKept = 200
	// IssuerName is stamped into every token this service signs.
	IssuerName = "Token Service"
)

// MaxExpiration is the latest expiration a token can carry.
var MaxExpiration = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// TokenInfo is the claim envelope carried inside a token.
type TokenInfo struct {
	AccountID     string         `json:"accountId"`
	ScreenName    string         `json:"screenName,omitempty"`
	Discriminator int            `json:"discriminator"`
	Email         string         `json:"email,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	CountryCode   string         `json:"countryCode,omitempty"`
	IsAdmin       bool           `json:"isAdmin"`
	Issuer        string         `json:"issuer"`
	Requester     string         `json:"origin"`
	GameKey       string         `json:"-"`
	PermissionSet permission.Set `json:"permissionSet"`
	Expiration    time.Time      `json:"expiration"`
	IssuedAt      time.Time      `json:"issuedAt"`
}

// Authorization is the stored envelope of one issued token.
type Authorization struct {
	ID             string    `json:"id"`
	Issuer         string    `json:"issuer"`
	Origin         string    `json:"origin"`
	EncryptedToken string    `json:"token"`
	Expiration     time.Time `json:"expiration"`
	Created        time.Time `json:"created"`
	IsAdmin        bool      `json:"isAdmin,omitempty"`
	IsValid        bool      `json:"isValid"`
}

func (a Authorization) SecondsRemaining(now time.Time) int64 {
	remaining := a.Expiration.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

// Ban removes PermissionSet from an account until Expiration. A nil
// Expiration is permanent.
type Ban struct {
	ID            string         `json:"id"`
	PermissionSet permission.Set `json:"permissionSet"`
	Expiration    *time.Time     `json:"expiration,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	CreatedOn     time.Time      `json:"createdOn"`
}

func (b Ban) IsActive(now time.Time) bool {
	return b.Expiration == nil || b.Expiration.After(now)
}

// Outlives reports whether b should replace other when both cover the
// same permission set.
func (b Ban) Outlives(other Ban) bool {
	if other.Expiration == nil {
		return false
	}
	return b.Expiration == nil || b.Expiration.After(*other.Expiration)
}

type Identity struct {
	AccountID               string          `json:"accountId"`
	Authorizations          []Authorization `json:"authorizations"`
	Bans                    []Ban           `json:"bans"`
	LatestUserInfo          *TokenInfo      `json:"latestUserInfo,omitempty"`
	InitialUserInfo         *TokenInfo      `json:"initialUserInfo,omitempty"`
	Email                   string          `json:"email,omitempty"`
	IsAdmin                 bool            `json:"isAdmin"`
	AuthAttempts            int64           `json:"authAttempts"`
	FailedAuthAttempts      int64           `json:"failedAuthAttempts"`
	FailedAdminAuthAttempts int64           `json:"failedAdminAuthAttempts"`
	CreatedOn               time.Time       `json:"createdOn"`
	UpdatedOn               time.Time       `json:"updatedOn"`
}

// ActiveBanSets returns the permission sets of bans still in force.
func (i Identity) ActiveBanSets(now time.Time) []permission.Set {
	out := make([]permission.Set, 0, len(i.Bans))
	for _, ban := range i.Bans {
		if ban.IsActive(now) {
			out = append(out, ban.PermissionSet)
		}
	}
	return out
}

func (i Identity) FindAuthorization(encryptedToken string) (Authorization, bool) {
	for _, auth := range i.Authorizations {
		if auth.EncryptedToken == encryptedToken {
			return auth, true
		}
	}
	return Authorization{}, false
}

type BanHistory struct {
	ID             string    `json:"id"`
	IssuedAt       time.Time `json:"issuedAt"`
	Accounts       []string  `json:"accounts"`
	Ban            Ban       `json:"ban"`
	Representative TokenInfo `json:"blame"`
}
