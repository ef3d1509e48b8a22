package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"token-service/internal/observability"
	"token-service/internal/permission"
	"token-service/internal/token"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	now     func() time.Time
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service, now: time.Now}
}

type generateRequest struct {
	AccountID     string   `json:"accountId"`
	ScreenName    string   `json:"screenname"`
	Discriminator *int     `json:"discriminator"`
	Origin        string   `json:"origin"`
	Email         string   `json:"email"`
	Days          int64    `json:"days"`
	IPAddress     string   `json:"ip"`
	CountryCode   string   `json:"country"`
	Audience      []string `json:"audience"`
	Key           string   `json:"key"`
}

type generateResponse struct {
	Authorization    Authorization `json:"authorization"`
	TokenInfo        TokenInfo     `json:"tokenInfo"`
	SecondsRemaining int64         `json:"secondsRemaining"`
}

type banRequest struct {
	AccountID   string   `json:"accountId"`
	AccountIDs  []string `json:"accountIds"`
	Permissions []string `json:"permissions"`
	// Duration is in seconds; omitted means permanent.
	Duration *int64 `json:"duration"`
	Reason   string `json:"reason"`
}

type unbanRequest struct {
	AccountID string   `json:"accountId"`
	BanIDs    []string `json:"banIds"`
}

type invalidateRequest struct {
	AccountID          string `json:"accountId"`
	All                bool   `json:"all"`
	IncludeAdminTokens bool   `json:"includeAdminTokens"`
	Cutoff             *int64 `json:"cutoff"`
}

func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !decodeBody(w, r, &body) {
		return
	}

	if strings.TrimSpace(body.IPAddress) == "" {
		body.IPAddress = observability.ClientIP(r)
	}

	permissions, ok := parseAudience(body.Audience)
	if !ok {
		writeError(w, http.StatusBadRequest, "audience contains an unknown service")
		return
	}

	auth, info, err := h.service.GenerateToken(r.Context(), GenerateRequest{
		AccountID:     body.AccountID,
		ScreenName:    body.ScreenName,
		Discriminator: body.Discriminator,
		Email:         body.Email,
		Origin:        body.Origin,
		IPAddress:     body.IPAddress,
		CountryCode:   body.CountryCode,
		LifetimeDays:  body.Days,
		Permissions:   permissions,
		AdminSecret:   body.Key,
	})
	if err != nil {
		writeServiceError(w, err, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Authorization:    auth,
		TokenInfo:        info,
		SecondsRemaining: auth.SecondsRemaining(h.now()),
	})
}

// Validate checks the bearer token on behalf of the service named in the
// "origin" query parameter, or this service when absent.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	requester := strings.TrimSpace(r.URL.Query().Get("origin"))
	if requester == "" {
		requester = h.service.ServiceName()
	}

	info, err := h.service.ValidateToken(r.Context(), raw, requester)
	if err != nil {
		writeServiceError(w, err, "failed to validate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tokenInfo":        info,
		"secondsRemaining": secondsUntil(info.Expiration, h.now()),
	})
}

func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	admin, ok := AdminFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body banRequest
	if !decodeBody(w, r, &body) {
		return
	}

	accountIDs := body.AccountIDs
	if id := strings.TrimSpace(body.AccountID); id != "" {
		accountIDs = append(accountIDs, id)
	}

	permissions, ok := parseAudience(body.Permissions)
	if !ok {
		writeError(w, http.StatusBadRequest, "permissions contain an unknown service")
		return
	}

	ban := Ban{PermissionSet: permissions, Reason: strings.TrimSpace(body.Reason)}
	if body.Duration != nil {
		if *body.Duration <= 0 {
			writeError(w, http.StatusBadRequest, "duration must be positive")
			return
		}
		expiration := h.now().UTC().Truncate(time.Second).Add(time.Duration(*body.Duration) * time.Second)
		ban.Expiration = &expiration
	}

	stored, err := h.service.BanAccounts(r.Context(), admin, accountIDs, ban)
	if err != nil {
		writeServiceError(w, err, "failed to ban accounts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ban": stored, "accountIds": accountIDs})
}

func (h *Handler) Unban(w http.ResponseWriter, r *http.Request) {
	var body unbanRequest
	if !decodeBody(w, r, &body) {
		return
	}

	modified, err := h.service.UnbanAccounts(r.Context(), body.AccountID, body.BanIDs)
	if err != nil {
		writeServiceError(w, err, "failed to unban account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"modified": modified})
}

func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var body invalidateRequest
	if !decodeBody(w, r, &body) {
		return
	}

	affected, err := h.service.InvalidateTokens(r.Context(), InvalidateRequest{
		AccountID:          body.AccountID,
		All:                body.All,
		IncludeAdminTokens: body.IncludeAdminTokens,
		Cutoff:             body.Cutoff,
	})
	if err != nil {
		writeServiceError(w, err, "failed to invalidate tokens")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"affected": affected})
}

func (h *Handler) BanHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.service.BanHistory(r.Context(), query.Get("accountId"), limit)
	if err != nil {
		writeServiceError(w, err, "failed to load ban history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// parseAudience turns audience names into a set. An empty list, or one that
// contains the wildcard, leaves the choice to the issuer.
func parseAudience(names []string) (permission.Set, bool) {
	var out permission.Set
	for _, name := range names {
		bit, ok := permission.Parse(name)
		if !ok {
			return permission.None, false
		}
		if bit == permission.All {
			return permission.None, true
		}
		out |= bit
	}
	return out, true
}

func secondsUntil(expiration, now time.Time) int64 {
	remaining := expiration.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStoreTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "identity store unavailable")
	case errors.Is(err, ErrAccountBanned),
		errors.Is(err, ErrAudienceMismatch),
		errors.Is(err, ErrEnvironmentMismatch),
		errors.Is(err, ErrAdminRequired):
		writeFailure(w, http.StatusForbidden, err)
	case ReasonCode(err) != "":
		writeFailure(w, http.StatusUnauthorized, err)
	case errors.Is(err, token.ErrMissingKeys):
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "token signing is not configured")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeFailure(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"reason": ReasonCode(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
