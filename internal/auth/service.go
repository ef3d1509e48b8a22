package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"token-service/internal/observability"
	"token-service/internal/permission"
	"token-service/internal/token"
)

const (
	defaultSlowThreshold = 500 * time.Millisecond
	maxIssueAttempts     = 3
)

// IdentityStore is the persistence the service needs. *Repository is the
// production implementation.
type IdentityStore interface {
	Find(ctx context.Context, accountID string) (Identity, error)
	FindOrCreateWithBanSweep(ctx context.Context, accountID string) (Identity, bool, error)
	AddAuthorization(ctx context.Context, accountID string, auth Authorization, info TokenInfo) error
	Ban(ctx context.Context, ban Ban, accountIDs []string, admin TokenInfo) (Ban, error)
	Unban(ctx context.Context, accountID string, banIDs []string) (bool, error)
	InvalidateAccount(ctx context.Context, accountID string) (int64, error)
	InvalidateAllTokens(ctx context.Context, includeAdminTokens bool, cutoff *time.Time) (int64, error)
	RecordFailedAuth(ctx context.Context, accountID string, admin bool) error
	BanHistory(ctx context.Context, accountID string, limit int) ([]BanHistory, error)
}

type Service struct {
	store         IdentityStore
	issuer        *TokenIssuer
	logger        *observability.Logger
	metrics       *observability.Metrics
	serviceName   string
	adminSecret   string
	slowThreshold time.Duration
	now           func() time.Time
}

func NewService(store IdentityStore, issuer *TokenIssuer, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Service{
		store:         store,
		issuer:        issuer,
		logger:        logger,
		metrics:       metrics,
		serviceName:   issuer.cfg.ServiceName,
		slowThreshold: defaultSlowThreshold,
		now:           time.Now,
	}
}

// WithAdminSecret sets the secret that upgrades a generate request to an
// admin token. A bcrypt hash is accepted in place of the plain secret.
func (s *Service) WithAdminSecret(secret string) {
	s.adminSecret = strings.TrimSpace(secret)
}

func (s *Service) WithSlowThreshold(threshold time.Duration) {
	if threshold > 0 {
		s.slowThreshold = threshold
	}
}

// ServiceName is the audience name this service answers to.
func (s *Service) ServiceName() string {
	return s.serviceName
}

type GenerateRequest struct {
	AccountID     string
	ScreenName    string
	Discriminator *int
	Email         string
	Origin        string
	IPAddress     string
	CountryCode   string
	LifetimeDays  int64
	Permissions   permission.Set
	AdminSecret   string
}

// GenerateToken issues a token for the account, creating its identity on
// first sight, and appends it to the account's authorization history.
func (s *Service) GenerateToken(ctx context.Context, req GenerateRequest) (Authorization, TokenInfo, error) {
	accountID := strings.TrimSpace(req.AccountID)
	origin := strings.TrimSpace(req.Origin)
	if accountID == "" || origin == "" {
		return Authorization{}, TokenInfo{}, fmt.Errorf("%w: accountId and origin are required", ErrInvalidRequest)
	}

	defer s.observeLatency("generate", accountID, s.now())

	kind, adminRejected := s.resolveIssuance(req.AdminSecret)

	identity, created, err := s.store.FindOrCreateWithBanSweep(ctx, accountID)
	if err != nil {
		return Authorization{}, TokenInfo{}, err
	}
	if created {
		s.logger.Info("identity_created", map[string]any{"account_id": accountID})
	}
	if adminRejected {
		s.logger.Warn("admin_secret_rejected", map[string]any{"account_id": accountID})
		s.recordFailure(ctx, accountID, true)
	}

	discriminator := -1
	if req.Discriminator != nil {
		discriminator = *req.Discriminator
	}

	info := TokenInfo{
		AccountID:     accountID,
		ScreenName:    strings.TrimSpace(req.ScreenName),
		Discriminator: discriminator,
		Email:         strings.TrimSpace(req.Email),
		IPAddress:     strings.TrimSpace(req.IPAddress),
		CountryCode:   strings.TrimSpace(req.CountryCode),
		PermissionSet: req.Permissions,
	}

	for attempt := 1; ; attempt++ {
		auth, signed, err := s.issuer.Issue(info, origin, req.LifetimeDays, kind, identity.ActiveBanSets(s.now()))
		if err == nil {
			err = s.store.AddAuthorization(ctx, accountID, auth, signed)
			if err == nil {
				return auth, signed, nil
			}
		}
		if !errors.Is(err, ErrAccountBanned) {
			return Authorization{}, TokenInfo{}, err
		}

		// A ban committed between the read and the append; sign again
		// against the bans now in force.
		if attempt < maxIssueAttempts && auth.ID != "" {
			s.logger.Warn("issuance_raced_ban", map[string]any{"account_id": accountID, "attempt": attempt})
			if identity, _, err = s.store.FindOrCreateWithBanSweep(ctx, accountID); err != nil {
				return Authorization{}, TokenInfo{}, err
			}
			continue
		}

		s.metrics.AuthFailures.WithLabelValues(ReasonCode(err)).Inc()
		return Authorization{}, TokenInfo{}, newAuthError(ErrAccountBanned, &TokenInfo{AccountID: accountID})
	}
}

func (s *Service) resolveIssuance(secret string) (kind IssuanceKind, rejected bool) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return StandardIssuance, false
	}
	if s.adminSecret == "" {
		return StandardIssuance, true
	}

	if isBcryptHash(s.adminSecret) {
		if bcrypt.CompareHashAndPassword([]byte(s.adminSecret), []byte(secret)) == nil {
			return AdminIssuance, false
		}
		return StandardIssuance, true
	}

	if subtle.ConstantTimeCompare([]byte(s.adminSecret), []byte(secret)) == 1 {
		return AdminIssuance, false
	}
	return StandardIssuance, true
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

// ValidateToken checks a presented token for requestingService. Beyond the
// claim checks the token must still be in the account's history, valid,
// and not covered by an active ban.
func (s *Service) ValidateToken(ctx context.Context, encryptedToken, requestingService string) (TokenInfo, error) {
	start := s.now()

	info, err := s.issuer.Validate(encryptedToken, requestingService)
	if err != nil {
		return info, s.fail(ctx, info, err)
	}
	defer s.observeLatency("validate", info.AccountID, start)

	identity, err := s.store.Find(ctx, info.AccountID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return info, s.fail(ctx, TokenInfo{}, newAuthError(ErrIdentityNotFound, &info))
		}
		return info, err
	}

	auth, ok := identity.FindAuthorization(token.StripBearer(encryptedToken))
	if !ok || !auth.IsValid {
		return info, s.fail(ctx, info, newAuthError(ErrInvalidated, &info))
	}

	if s.bannedFor(info, identity, requestingService) {
		return info, s.fail(ctx, info, newAuthError(ErrAccountBanned, &info))
	}

	return info, nil
}

func (s *Service) bannedFor(info TokenInfo, identity Identity, requestingService string) bool {
	var banned permission.Set
	for _, set := range identity.ActiveBanSets(s.now()) {
		banned |= set
	}
	if banned == permission.None {
		return false
	}

	if permission.Canonical(requestingService) != permission.Canonical(s.serviceName) {
		if bit, ok := permission.Parse(requestingService); ok && bit != permission.All {
			return banned.Has(bit)
		}
	}
	return info.PermissionSet&^banned == permission.None
}

// fail counts a validation failure against the account named in info, if
// any, and passes err through. Forged tokens are never charged to an account.
func (s *Service) fail(ctx context.Context, info TokenInfo, err error) error {
	code := ReasonCode(err)
	if code == "" {
		return err
	}

	s.metrics.AuthFailures.WithLabelValues(code).Inc()
	s.logger.Warn("token_validation_failed", map[string]any{
		"account_id": info.AccountID,
		"reason":     code,
	})
	if info.AccountID != "" && !errors.Is(err, token.ErrSignatureMismatch) {
		s.recordFailure(ctx, info.AccountID, false)
	}
	return err
}

func (s *Service) recordFailure(ctx context.Context, accountID string, admin bool) {
	if err := s.store.RecordFailedAuth(ctx, accountID, admin); err != nil {
		s.logger.Error("record_failed_auth_failed", map[string]any{
			"account_id": accountID,
			"error":      err.Error(),
		})
	}
}

// BanAccounts applies ban to every listed account on behalf of admin. A ban
// without a permission set removes everything.
func (s *Service) BanAccounts(ctx context.Context, admin TokenInfo, accountIDs []string, ban Ban) (Ban, error) {
	if !admin.IsAdmin {
		return Ban{}, newAuthError(ErrAdminRequired, &admin)
	}
	if ban.PermissionSet == permission.None {
		ban.PermissionSet = permission.All
	}
	if ban.Expiration != nil && !ban.Expiration.After(s.now()) {
		return Ban{}, fmt.Errorf("%w: ban expiration is in the past", ErrInvalidRequest)
	}

	stored, err := s.store.Ban(ctx, ban, accountIDs, admin)
	if err != nil {
		return Ban{}, err
	}

	s.logger.Info("accounts_banned", map[string]any{
		"account_ids": accountIDs,
		"ban_id":      stored.ID,
		"permissions": stored.PermissionSet.String(),
		"admin":       admin.AccountID,
	})
	return stored, nil
}

func (s *Service) UnbanAccounts(ctx context.Context, accountID string, banIDs []string) (bool, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return false, fmt.Errorf("%w: accountId is required", ErrInvalidRequest)
	}

	modified, err := s.store.Unban(ctx, accountID, banIDs)
	if err != nil {
		return false, err
	}
	if modified {
		s.logger.Info("account_unbanned", map[string]any{"account_id": accountID, "ban_ids": banIDs})
	}
	return modified, nil
}

type InvalidateRequest struct {
	// AccountID selects a single account when All is false.
	AccountID          string
	All                bool
	IncludeAdminTokens bool
	// Cutoff is a unix timestamp in seconds; only used with All.
	Cutoff *int64
}

func (s *Service) InvalidateTokens(ctx context.Context, req InvalidateRequest) (int64, error) {
	if !req.All {
		accountID := strings.TrimSpace(req.AccountID)
		if accountID == "" {
			return 0, fmt.Errorf("%w: accountId is required unless all is set", ErrInvalidRequest)
		}
		affected, err := s.store.InvalidateAccount(ctx, accountID)
		if err != nil {
			return 0, err
		}
		s.logger.Info("account_tokens_invalidated", map[string]any{"account_id": accountID, "count": affected})
		return affected, nil
	}

	var cutoff *time.Time
	if req.Cutoff != nil {
		value := time.Unix(*req.Cutoff, 0).UTC()
		cutoff = &value
	}

	affected, err := s.store.InvalidateAllTokens(ctx, req.IncludeAdminTokens, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("tokens_invalidated", map[string]any{
		"identities":           affected,
		"include_admin_tokens": req.IncludeAdminTokens,
		"cutoff":               req.Cutoff,
	})
	return affected, nil
}

func (s *Service) BanHistory(ctx context.Context, accountID string, limit int) ([]BanHistory, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountId is required", ErrInvalidRequest)
	}
	return s.store.BanHistory(ctx, accountID, limit)
}

func (s *Service) observeLatency(op, accountID string, start time.Time) {
	elapsed := s.now().Sub(start)
	if elapsed > s.slowThreshold {
		s.logger.Warn("slow_token_operation", map[string]any{
			"operation":   op,
			"account_id":  accountID,
			"duration_ms": elapsed.Milliseconds(),
		})
	}
}
