package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token-service/internal/crypt"
	"token-service/internal/observability"
	"token-service/internal/permission"
	"token-service/internal/token"
)

// IssuanceKind is decided once per request from the admin secret.
type IssuanceKind int

const (
	StandardIssuance IssuanceKind = iota
	AdminIssuance
)

func (k IssuanceKind) IsAdmin() bool {
	return k == AdminIssuance
}

func (k IssuanceKind) String() string {
	if k == AdminIssuance {
		return "admin"
	}
	return "standard"
}

// Days beyond this cannot be added to any reasonable clock without running
// past MaxExpiration.
const maxRepresentableDays = 9999 * 366

type IssuerConfig struct {
	// ServiceName is the audience name of this service. Requests made by the
	// service itself bypass the audience check.
	ServiceName     string
	GameKey         string
	DefaultDays     int64
	StandardMaxDays int64
	AdminMaxDays    int64

	// Tokens minted before GameKeyIntroduced carry no game key claim. They
	// are accepted without one until LegacyGameKeyCutover.
	GameKeyIntroduced    time.Time
	LegacyGameKeyCutover time.Time
}

func DefaultIssuerConfig() IssuerConfig {
	return IssuerConfig{
		ServiceName:          "token-service",
		DefaultDays:          5,
		StandardMaxDays:      5,
		AdminMaxDays:         3650,
		GameKeyIntroduced:    time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		LegacyGameKeyCutover: time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// TokenIssuer builds and validates authorizations.
type TokenIssuer struct {
	codec   *token.Codec
	box     *crypt.Box
	cfg     IssuerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewTokenIssuer(codec *token.Codec, box *crypt.Box, cfg IssuerConfig, logger *observability.Logger, metrics *observability.Metrics) *TokenIssuer {
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &TokenIssuer{
		codec:   codec,
		box:     box,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Issue signs a new token for info. info.PermissionSet is the requested set;
// None means the default for kind. The returned TokenInfo is what was
// signed.
func (i *TokenIssuer) Issue(info TokenInfo, origin string, lifetimeDays int64, kind IssuanceKind, activeBans []permission.Set) (Authorization, TokenInfo, error) {
	now := i.now().UTC().Truncate(time.Second)

	info.IsAdmin = kind.IsAdmin()
	info.Issuer = IssuerName
	info.Requester = origin
	info.GameKey = i.cfg.GameKey
	info.IssuedAt = now
	info.PermissionSet = permission.Effective(info.PermissionSet, kind.IsAdmin(), activeBans...)
	if info.PermissionSet == permission.None && !kind.IsAdmin() {
		return Authorization{}, TokenInfo{}, ErrAccountBanned
	}

	days := i.clampLifetime(lifetimeDays, kind)
	expiration, clamped := expirationAfter(now, days)
	if clamped {
		i.logger.Warn("token_expiration_clamped", map[string]any{
			"account_id": info.AccountID,
			"days":       days,
		})
	}
	info.Expiration = expiration

	var encryptedEmail string
	if info.Email != "" {
		sealed, err := i.box.Encrypt(info.Email)
		if err != nil {
			return Authorization{}, TokenInfo{}, fmt.Errorf("encrypt email: %w", err)
		}
		encryptedEmail = sealed
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Authorization{}, TokenInfo{}, fmt.Errorf("generate authorization id: %w", err)
	}

	// The id keeps tokens minted within the same second distinct.
	claims := info.claims(encryptedEmail)
	claims[claimTokenID] = id.String()

	encoded, err := i.codec.Encode(claims)
	if err != nil {
		return Authorization{}, TokenInfo{}, err
	}

	i.metrics.TokensIssued.WithLabelValues(kind.String()).Inc()

	return Authorization{
		ID:             id.String(),
		Issuer:         IssuerName,
		Origin:         origin,
		EncryptedToken: encoded,
		Expiration:     expiration,
		Created:        now,
		IsAdmin:        kind.IsAdmin(),
		IsValid:        true,
	}, info, nil
}

func (i *TokenIssuer) clampLifetime(days int64, kind IssuanceKind) int64 {
	if days <= 0 {
		days = i.cfg.DefaultDays
	}
	limit := i.cfg.StandardMaxDays
	if kind.IsAdmin() {
		limit = i.cfg.AdminMaxDays
	}
	if limit > 0 && days > limit {
		return limit
	}
	return days
}

func expirationAfter(now time.Time, days int64) (time.Time, bool) {
	if days > maxRepresentableDays {
		return MaxExpiration, true
	}
	expiration := now.AddDate(0, 0, int(days))
	if expiration.After(MaxExpiration) || !expiration.After(now) {
		return MaxExpiration, true
	}
	return expiration, false
}

// Validate decodes encryptedToken and applies the expiry, environment and
// audience rules for requestingService. It does not consult the store.
func (i *TokenIssuer) Validate(encryptedToken, requestingService string) (TokenInfo, error) {
	claims, err := i.codec.Decode(encryptedToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrSignatureMismatch):
			info, _ := tokenInfoFromClaims(claims)
			i.alarm(info, err)
			return info, newAuthError(token.ErrSignatureMismatch, &info)
		case errors.Is(err, token.ErrMissingKeys):
			return TokenInfo{}, err
		default:
			return TokenInfo{}, newAuthError(token.ErrMalformedToken, nil)
		}
	}

	info, encryptedEmail := tokenInfoFromClaims(claims)
	if info.AccountID == "" {
		return TokenInfo{}, newAuthError(token.ErrMalformedToken, nil)
	}

	now := i.now().UTC()
	if !info.Expiration.After(now) {
		return info, newAuthError(ErrExpired, &info)
	}
	if !i.environmentMatches(info, now) {
		return info, newAuthError(ErrEnvironmentMismatch, &info)
	}
	if !i.audienceAllows(info.PermissionSet, requestingService) {
		return info, newAuthError(ErrAudienceMismatch, &info)
	}

	if encryptedEmail != "" {
		email, err := i.box.Decrypt(encryptedEmail)
		if err != nil {
			i.logger.Warn("token_email_unreadable", map[string]any{"account_id": info.AccountID})
		} else {
			info.Email = email
		}
	}

	return info, nil
}

func (i *TokenIssuer) environmentMatches(info TokenInfo, now time.Time) bool {
	if info.GameKey == i.cfg.GameKey {
		return true
	}
	// TODO: drop the legacy branch once LegacyGameKeyCutover has passed in every environment.
	if info.GameKey == "" && info.IssuedAt.Before(i.cfg.GameKeyIntroduced) && now.Before(i.cfg.LegacyGameKeyCutover) {
		i.logger.Warn("legacy_token_without_game_key", map[string]any{
			"account_id": info.AccountID,
			"issued_at":  info.IssuedAt.Unix(),
		})
		return true
	}
	return false
}

func (i *TokenIssuer) audienceAllows(granted permission.Set, requestingService string) bool {
	if permission.Canonical(requestingService) == permission.Canonical(i.cfg.ServiceName) {
		return true
	}
	if granted&permission.All == permission.All {
		return true
	}
	bit, ok := permission.Parse(requestingService)
	return ok && bit != permission.All && granted.Has(bit)
}

func (i *TokenIssuer) alarm(info TokenInfo, err error) {
	i.metrics.SignatureMismatches.Inc()
	i.logger.Error("token_signature_mismatch", map[string]any{
		"account_id": info.AccountID,
		"issuer":     info.Issuer,
		"error":      err.Error(),
	})
	observability.CaptureAlarm(err, map[string]any{"account_id": info.AccountID})
}
