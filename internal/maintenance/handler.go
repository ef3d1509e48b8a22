package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// BanSweeper runs a single expired ban sweep.
type BanSweeper interface {
	Tick(ctx context.Context) (int64, error)
}

// BanSweepHandler lets a scheduler drive the ban sweep where no background
// goroutine survives between requests.
type BanSweepHandler struct {
	sweeper    BanSweeper
	cronSecret string
}

func NewBanSweepHandler(sweeper BanSweeper, cronSecret string) *BanSweepHandler {
	return &BanSweepHandler{
		sweeper:    sweeper,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *BanSweepHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	// The sweeper logs its own failures.
	removed, err := h.sweeper.Tick(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ban sweep failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"removed": removed,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
