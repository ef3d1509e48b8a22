package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"token-service/internal/permission"
)

const defaultStoreTimeout = 10 * time.Second

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the identity store. Every cross request guarantee rests on
// single statements or transactions here; nothing is cached in process.
type Repository struct {
	db      *sql.DB
	history *BanHistoryRecorder
	timeout time.Duration
	now     func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:      db,
		history: NewBanHistoryRecorder(),
		timeout: defaultStoreTimeout,
		now:     time.Now,
	}
}

// WithTimeout sets the deadline attached to every store call.
func (r *Repository) WithTimeout(timeout time.Duration) {
	if timeout > 0 {
		r.timeout = timeout
	}
}

func (r *Repository) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// storeError wraps err, mapping an expired deadline to ErrStoreTimeout so
// callers can retry.
func storeError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrStoreTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Repository) Find(ctx context.Context, accountID string) (Identity, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	identity, err := loadIdentity(ctx, r.db, accountID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return Identity{}, err
		}
		return Identity{}, storeError(ctx, "find identity", err)
	}
	return identity, nil
}

// FindOrCreateWithBanSweep returns the identity for accountID, inserting it
// when unseen, with any already expired bans removed first. created reports
// whether the row was inserted by this call.
func (r *Repository) FindOrCreateWithBanSweep(ctx context.Context, accountID string) (identity Identity, created bool, err error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, false, storeError(ctx, "begin identity upsert tx", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO identities (account_id, created_on, updated_on)
		VALUES ($1, $2, $2)
		ON CONFLICT (account_id) DO UPDATE SET updated_on = EXCLUDED.updated_on
		RETURNING (xmax = 0) AS inserted
	`, accountID, now).Scan(&created); err != nil {
		return Identity{}, false, storeError(ctx, "upsert identity", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM identity_bans
		WHERE account_id = $1 AND expiration IS NOT NULL AND expiration <= $2
	`, accountID, now); err != nil {
		return Identity{}, false, storeError(ctx, "sweep expired bans", err)
	}

	identity, err = loadIdentity(ctx, tx, accountID)
	if err != nil {
		return Identity{}, false, storeError(ctx, "load identity", err)
	}

	if err := tx.Commit(); err != nil {
		return Identity{}, false, storeError(ctx, "commit identity upsert tx", err)
	}

	return identity, created, nil
}

// AddAuthorization records a freshly issued token. The identity row update
// comes first so its row lock orders concurrent appends for one account;
// the trim then always sees every committed sibling.
func (r *Repository) AddAuthorization(ctx context.Context, accountID string, auth Authorization, info TokenInfo) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	snapshot, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode user info: %w", err)
	}

	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(ctx, "begin authorization tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE identities
		SET latest_user_info = $2,
			initial_user_info = COALESCE(initial_user_info, $2),
			email = COALESCE(NULLIF($3, ''), email),
			is_admin = $4,
			auth_attempts = auth_attempts + 1,
			updated_on = $5
		WHERE account_id = $1
	`, accountID, snapshot, info.Email, info.IsAdmin, now)
	if err != nil {
		return storeError(ctx, "update identity user info", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return storeError(ctx, "identity user info rows affected", err)
	} else if affected == 0 {
		return ErrIdentityNotFound
	}

	// Bans take the same row lock, so this sees every ban committed since
	// the token was signed.
	var banned int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(bit_or(permission_set), 0)
		FROM identity_bans
		WHERE account_id = $1 AND (expiration IS NULL OR expiration > $2)
	`, accountID, now).Scan(&banned); err != nil {
		return storeError(ctx, "load active bans", err)
	}
	if info.PermissionSet.Intersects(permission.Set(banned)) {
		return fmt.Errorf("append authorization: %w", ErrAccountBanned)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identity_authorizations (id, account_id, issuer, origin, encrypted_token, is_admin, is_valid, expiration, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, auth.ID, accountID, auth.Issuer, auth.Origin, auth.EncryptedToken, auth.IsAdmin, auth.IsValid, auth.Expiration, auth.Created); err != nil {
		return storeError(ctx, "insert authorization", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM identity_authorizations
		WHERE account_id = $1
		  AND seq NOT IN (
			SELECT seq FROM identity_authorizations
			WHERE account_id = $1
			ORDER BY seq DESC
			LIMIT $2
		  )
	`, accountID, MaxAuthorizationsKept); err != nil {
		return storeError(ctx, "trim authorizations", err)
	}

	if err := tx.Commit(); err != nil {
		return storeError(ctx, "commit authorization tx", err)
	}

	return nil
}

// Ban applies ban to every account in one transaction together with its
// audit row. Live authorizations of the targets are removed so they must
// authenticate again. The returned ban is the one in force: where every
// target already held a longer ban for the same set, that ban is returned
// so its id can be used to lift it.
func (r *Repository) Ban(ctx context.Context, ban Ban, accountIDs []string, admin TokenInfo) (Ban, error) {
	accountIDs = normalizeAccountIDs(accountIDs)
	if len(accountIDs) == 0 {
		return Ban{}, fmt.Errorf("%w: no accounts to ban", ErrInvalidRequest)
	}

	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	now := r.now().UTC()
	if ban.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Ban{}, fmt.Errorf("generate ban id: %w", err)
		}
		ban.ID = id.String()
	}
	ban.CreatedOn = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Ban{}, storeError(ctx, "begin ban tx", err)
	}
	defer tx.Rollback()

	stored := ban
	for i, accountID := range accountIDs {
		kept, err := applyBan(ctx, tx, accountID, ban, now)
		if err != nil {
			return Ban{}, storeError(ctx, "apply ban", err)
		}
		if i == 0 || kept.ID == ban.ID {
			stored = kept
		}
	}

	if err := r.history.Record(ctx, tx, admin, accountIDs, stored); err != nil {
		return Ban{}, storeError(ctx, "record ban history", err)
	}

	if err := tx.Commit(); err != nil {
		return Ban{}, storeError(ctx, "commit ban tx", err)
	}

	return stored, nil
}

// applyBan keeps one ban per permission set: a repeat ban only replaces the
// stored one when it lasts longer, and a permanent ban is never replaced.
// The ban left in force for the set is returned.
func applyBan(ctx context.Context, tx querier, accountID string, ban Ban, now time.Time) (Ban, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identities (account_id, created_on, updated_on)
		VALUES ($1, $2, $2)
		ON CONFLICT (account_id) DO UPDATE SET updated_on = EXCLUDED.updated_on
	`, accountID, now); err != nil {
		return Ban{}, fmt.Errorf("stamp identity %s: %w", accountID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM identity_authorizations WHERE account_id = $1
	`, accountID); err != nil {
		return Ban{}, fmt.Errorf("clear authorizations %s: %w", accountID, err)
	}

	kept := ban
	err := tx.QueryRowContext(ctx, `
		INSERT INTO identity_bans (account_id, id, permission_set, expiration, reason, created_on)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, permission_set) DO UPDATE
		SET id = EXCLUDED.id,
			expiration = EXCLUDED.expiration,
			reason = EXCLUDED.reason,
			created_on = EXCLUDED.created_on
		WHERE identity_bans.expiration IS NOT NULL
		  AND (EXCLUDED.expiration IS NULL OR EXCLUDED.expiration > identity_bans.expiration)
		RETURNING id
	`, accountID, ban.ID, int64(ban.PermissionSet), nullTime(ban.Expiration), ban.Reason, ban.CreatedOn).Scan(&kept.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		row := tx.QueryRowContext(ctx, `
			SELECT id, permission_set, expiration, reason, created_on
			FROM identity_bans
			WHERE account_id = $1 AND permission_set = $2
		`, accountID, int64(ban.PermissionSet))
		if kept, err = scanBan(row); err != nil {
			return Ban{}, fmt.Errorf("load kept ban %s: %w", accountID, err)
		}
	case err != nil:
		return Ban{}, fmt.Errorf("insert ban %s: %w", accountID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM identity_bans
		WHERE account_id = $1
		  AND seq NOT IN (
			SELECT seq FROM identity_bans
			WHERE account_id = $1
			ORDER BY seq DESC
			LIMIT $2
		  )
	`, accountID, MaxBansKept); err != nil {
		return Ban{}, fmt.Errorf("trim bans %s: %w", accountID, err)
	}

	return kept, nil
}

// Unban removes the listed bans from accountID. An empty list is a no-op.
func (r *Repository) Unban(ctx context.Context, accountID string, banIDs []string) (bool, error) {
	if len(banIDs) == 0 {
		return false, nil
	}

	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		WITH removed AS (
			DELETE FROM identity_bans
			WHERE account_id = $1 AND id = ANY($2)
			RETURNING account_id
		)
		UPDATE identities
		SET updated_on = $3
		WHERE account_id = $1 AND EXISTS (SELECT 1 FROM removed)
	`, accountID, banIDs, r.now().UTC())
	if err != nil {
		return false, storeError(ctx, "remove bans", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeError(ctx, "remove bans rows affected", err)
	}
	return affected > 0, nil
}

// InvalidateAccount marks every authorization of accountID invalid.
func (r *Repository) InvalidateAccount(ctx context.Context, accountID string) (int64, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE identity_authorizations
		SET is_valid = FALSE
		WHERE account_id = $1 AND is_valid
	`, accountID)
	if err != nil {
		return 0, storeError(ctx, "invalidate account", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeError(ctx, "invalidate account rows affected", err)
	}
	return affected, nil
}

// InvalidateAllTokens removes authorizations in bulk and returns how many
// identities lost at least one. Without a cutoff every non admin identity
// is logged out. With one, only authorizations created at or before it go,
// and admin identities are in scope when includeAdminTokens is set.
func (r *Repository) InvalidateAllTokens(ctx context.Context, includeAdminTokens bool, cutoff *time.Time) (int64, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	var row *sql.Row
	if cutoff == nil {
		row = r.db.QueryRowContext(ctx, `
			WITH removed AS (
				DELETE FROM identity_authorizations a
				USING identities i
				WHERE a.account_id = i.account_id AND NOT i.is_admin
				RETURNING a.account_id
			)
			SELECT COUNT(DISTINCT account_id) FROM removed
		`)
	} else {
		row = r.db.QueryRowContext(ctx, `
			WITH removed AS (
				DELETE FROM identity_authorizations a
				USING identities i
				WHERE a.account_id = i.account_id
				  AND a.created <= $1
				  AND ($2 OR NOT i.is_admin)
				RETURNING a.account_id
			)
			SELECT COUNT(DISTINCT account_id) FROM removed
		`, cutoff.UTC(), includeAdminTokens)
	}

	var affected int64
	if err := row.Scan(&affected); err != nil {
		return 0, storeError(ctx, "invalidate all tokens", err)
	}
	return affected, nil
}

// RemoveExpiredBans clears every ban whose expiration is at or before now.
func (r *Repository) RemoveExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM identity_bans
		WHERE expiration IS NOT NULL AND expiration <= $1
	`, now.UTC())
	if err != nil {
		return 0, storeError(ctx, "remove expired bans", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeError(ctx, "expired bans rows affected", err)
	}
	return affected, nil
}

// RecordFailedAuth bumps the failure counter of a known account. Unknown
// accounts are ignored.
func (r *Repository) RecordFailedAuth(ctx context.Context, accountID string, admin bool) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	query := `UPDATE identities SET failed_auth_attempts = failed_auth_attempts + 1 WHERE account_id = $1`
	if admin {
		query = `UPDATE identities SET failed_admin_auth_attempts = failed_admin_auth_attempts + 1 WHERE account_id = $1`
	}

	if _, err := r.db.ExecContext(ctx, query, accountID); err != nil {
		return storeError(ctx, "record failed auth", err)
	}
	return nil
}

func (r *Repository) BanHistory(ctx context.Context, accountID string, limit int) ([]BanHistory, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	entries, err := r.history.List(ctx, r.db, accountID, limit)
	if err != nil {
		return nil, storeError(ctx, "list ban history", err)
	}
	return entries, nil
}

func loadIdentity(ctx context.Context, q querier, accountID string) (Identity, error) {
	var (
		identity Identity
		latest   []byte
		initial  []byte
	)

	err := q.QueryRowContext(ctx, `
		SELECT account_id, COALESCE(email, ''), is_admin, latest_user_info, initial_user_info,
			auth_attempts, failed_auth_attempts, failed_admin_auth_attempts, created_on, updated_on
		FROM identities
		WHERE account_id = $1
	`, accountID).Scan(
		&identity.AccountID, &identity.Email, &identity.IsAdmin, &latest, &initial,
		&identity.AuthAttempts, &identity.FailedAuthAttempts, &identity.FailedAdminAuthAttempts,
		&identity.CreatedOn, &identity.UpdatedOn,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrIdentityNotFound
		}
		return Identity{}, fmt.Errorf("query identity: %w", err)
	}

	if identity.LatestUserInfo, err = decodeUserInfo(latest); err != nil {
		return Identity{}, err
	}
	if identity.InitialUserInfo, err = decodeUserInfo(initial); err != nil {
		return Identity{}, err
	}

	if identity.Authorizations, err = loadAuthorizations(ctx, q, accountID); err != nil {
		return Identity{}, err
	}
	if identity.Bans, err = loadBans(ctx, q, accountID); err != nil {
		return Identity{}, err
	}

	return identity, nil
}

func decodeUserInfo(raw []byte) (*TokenInfo, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var info TokenInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	return &info, nil
}

func loadAuthorizations(ctx context.Context, q querier, accountID string) ([]Authorization, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, issuer, origin, encrypted_token, is_admin, is_valid, expiration, created
		FROM identity_authorizations
		WHERE account_id = $1
		ORDER BY seq ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query authorizations: %w", err)
	}
	defer rows.Close()

	auths := make([]Authorization, 0, MaxAuthorizationsKept)
	for rows.Next() {
		var a Authorization
		if err := rows.Scan(&a.ID, &a.Issuer, &a.Origin, &a.EncryptedToken, &a.IsAdmin, &a.IsValid, &a.Expiration, &a.Created); err != nil {
			return nil, fmt.Errorf("scan authorization: %w", err)
		}
		auths = append(auths, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authorizations: %w", err)
	}

	return auths, nil
}

func loadBans(ctx context.Context, q querier, accountID string) ([]Ban, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, permission_set, expiration, reason, created_on
		FROM identity_bans
		WHERE account_id = $1
		ORDER BY seq ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	bans := make([]Ban, 0)
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		bans = append(bans, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bans: %w", err)
	}

	return bans, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBan(row rowScanner) (Ban, error) {
	var (
		b          Ban
		set        int64
		expiration sql.NullTime
	)
	if err := row.Scan(&b.ID, &set, &expiration, &b.Reason, &b.CreatedOn); err != nil {
		return Ban{}, fmt.Errorf("scan ban: %w", err)
	}
	b.PermissionSet = permission.Set(set)
	if expiration.Valid {
		value := expiration.Time.UTC()
		b.Expiration = &value
	}
	return b, nil
}

func normalizeAccountIDs(accountIDs []string) []string {
	seen := make(map[string]struct{}, len(accountIDs))
	out := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
