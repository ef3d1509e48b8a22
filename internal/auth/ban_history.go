package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultBanHistoryLimit = 100

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BanHistoryRecorder writes the append only audit trail of bans. It never
// opens its own transaction: Record enlists in the caller's.
type BanHistoryRecorder struct {
	now func() time.Time
}

func NewBanHistoryRecorder() *BanHistoryRecorder {
	return &BanHistoryRecorder{now: time.Now}
}

func (h *BanHistoryRecorder) Record(ctx context.Context, tx execer, admin TokenInfo, accountIDs []string, ban Ban) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate ban history id: %w", err)
	}

	accounts, err := json.Marshal(accountIDs)
	if err != nil {
		return fmt.Errorf("encode ban history accounts: %w", err)
	}
	encodedBan, err := json.Marshal(ban)
	if err != nil {
		return fmt.Errorf("encode ban history ban: %w", err)
	}
	representative, err := json.Marshal(admin)
	if err != nil {
		return fmt.Errorf("encode ban history admin: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ban_history (id, issued_at, account_ids, ban, representative)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), h.now().UTC(), accounts, encodedBan, representative); err != nil {
		return fmt.Errorf("insert ban history: %w", err)
	}

	return nil
}

// List returns the audit rows naming accountID, newest first.
func (h *BanHistoryRecorder) List(ctx context.Context, q querier, accountID string, limit int) ([]BanHistory, error) {
	if limit <= 0 {
		limit = defaultBanHistoryLimit
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, issued_at, account_ids, ban, representative
		FROM ban_history
		WHERE account_ids @> jsonb_build_array($1::text)
		ORDER BY issued_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ban history: %w", err)
	}
	defer rows.Close()

	entries := make([]BanHistory, 0)
	for rows.Next() {
		var (
			entry                         BanHistory
			accounts, ban, representative []byte
		)
		if err := rows.Scan(&entry.ID, &entry.IssuedAt, &accounts, &ban, &representative); err != nil {
			return nil, fmt.Errorf("scan ban history: %w", err)
		}
		if err := json.Unmarshal(accounts, &entry.Accounts); err != nil {
			return nil, fmt.Errorf("decode ban history accounts: %w", err)
		}
		if err := json.Unmarshal(ban, &entry.Ban); err != nil {
			return nil, fmt.Errorf("decode ban history ban: %w", err)
		}
		if err := json.Unmarshal(representative, &entry.Representative); err != nil {
			return nil, fmt.Errorf("decode ban history admin: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ban history: %w", err)
	}

	return entries, nil
}
