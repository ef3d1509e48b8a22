package auth

import (
	"time"

	"token-service/internal/permission"
)

const (
	claimAccountID     = "aid"
	claimScreenName    = "sn"
	claimDiscriminator = "d"
	claimEmail         = "@"
	claimIPAddress     = "ip"
	claimCountryCode   = "cc"
	claimIsAdmin       = "adm"
	claimIssuer        = "iss"
	claimRequester     = "req"
	claimGameKey       = "gkey"
	claimPermissions   = "perm"
	claimExpiration    = "exp"
	claimIssuedAt      = "iat"
	claimLegacyAud     = "aud"
	claimTokenID       = "jti"
)

// claims builds the map handed to the codec. encryptedEmail replaces the
// plain address.
func (t TokenInfo) claims(encryptedEmail string) map[string]any {
	out := map[string]any{
		claimAccountID:     t.AccountID,
		claimDiscriminator: int64(t.Discriminator),
		claimIsAdmin:       t.IsAdmin,
		claimIssuer:        t.Issuer,
		claimRequester:     t.Requester,
		claimGameKey:       t.GameKey,
		claimPermissions:   int64(t.PermissionSet),
		claimExpiration:    t.Expiration.Unix(),
		claimIssuedAt:      t.IssuedAt.Unix(),
	}
	setIfPresent(out, claimScreenName, t.ScreenName)
	setIfPresent(out, claimEmail, encryptedEmail)
	setIfPresent(out, claimIPAddress, t.IPAddress)
	setIfPresent(out, claimCountryCode, t.CountryCode)
	return out
}

func setIfPresent(claims map[string]any, key, value string) {
	if value != "" {
		claims[key] = value
	}
}

// tokenInfoFromClaims reads a decoded claim map. The email claim is left
// encrypted; the second return value carries it.
func tokenInfoFromClaims(claims map[string]any) (TokenInfo, string) {
	info := TokenInfo{
		AccountID:     stringClaim(claims, claimAccountID),
		ScreenName:    stringClaim(claims, claimScreenName),
		Discriminator: int(intClaim(claims, claimDiscriminator)),
		IPAddress:     stringClaim(claims, claimIPAddress),
		CountryCode:   stringClaim(claims, claimCountryCode),
		IsAdmin:       boolClaim(claims, claimIsAdmin),
		Issuer:        stringClaim(claims, claimIssuer),
		Requester:     stringClaim(claims, claimRequester),
		GameKey:       stringClaim(claims, claimGameKey),
		PermissionSet: permission.Set(intClaim(claims, claimPermissions)),
		Expiration:    timeClaim(claims, claimExpiration),
		IssuedAt:      timeClaim(claims, claimIssuedAt),
	}

	if _, ok := claims[claimPermissions]; !ok {
		info.PermissionSet = legacyAudience(claims[claimLegacyAud])
	}

	return info, stringClaim(claims, claimEmail)
}

// legacyAudience translates the named audience list older tokens carry.
func legacyAudience(value any) permission.Set {
	switch v := value.(type) {
	case string:
		return permission.FromNames([]string{v})
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			if name, ok := item.(string); ok {
				list = append(list, name)
			}
		}
		return permission.FromNames(list)
	default:
		return permission.None
	}
}

func stringClaim(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return value
}

func boolClaim(claims map[string]any, key string) bool {
	value, _ := claims[key].(bool)
	return value
}

func intClaim(claims map[string]any, key string) int64 {
	switch v := claims[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func timeClaim(claims map[string]any, key string) time.Time {
	if _, ok := claims[key]; !ok {
		return time.Time{}
	}
	return time.Unix(intClaim(claims, key), 0).UTC()
}
