package auth

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore is an IdentityStore with the same observable semantics as
// Repository, for exercising the service without a database.
type memoryStore struct {
	mu         sync.Mutex
	identities map[string]*Identity
	history    []BanHistory
	now        func() time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{identities: make(map[string]*Identity), now: now}
}

func cloneIdentity(identity *Identity) Identity {
	out := *identity
	out.Authorizations = slices.Clone(identity.Authorizations)
	out.Bans = slices.Clone(identity.Bans)
	return out
}

func (m *memoryStore) Find(_ context.Context, accountID string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[accountID]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return cloneIdentity(identity), nil
}

func (m *memoryStore) ensure(accountID string) (*Identity, bool) {
	if identity, ok := m.identities[accountID]; ok {
		return identity, false
	}
	now := m.now()
	identity := &Identity{AccountID: accountID, CreatedOn: now, UpdatedOn: now}
	m.identities[accountID] = identity
	return identity, true
}

func (m *memoryStore) FindOrCreateWithBanSweep(_ context.Context, accountID string) (Identity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, created := m.ensure(accountID)
	now := m.now()
	identity.Bans = slices.DeleteFunc(identity.Bans, func(b Ban) bool { return !b.IsActive(now) })
	return cloneIdentity(identity), created, nil
}

func (m *memoryStore) AddAuthorization(_ context.Context, accountID string, auth Authorization, info TokenInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[accountID]
	if !ok {
		return ErrIdentityNotFound
	}
	for _, set := range identity.ActiveBanSets(m.now()) {
		if info.PermissionSet.Intersects(set) {
			return ErrAccountBanned
		}
	}

	snapshot := info
	identity.LatestUserInfo = &snapshot
	if identity.InitialUserInfo == nil {
		initial := info
		identity.InitialUserInfo = &initial
	}
	if info.Email != "" {
		identity.Email = info.Email
	}
	identity.IsAdmin = info.IsAdmin
	identity.AuthAttempts++
	identity.UpdatedOn = m.now()

	identity.Authorizations = append(identity.Authorizations, auth)
	if extra := len(identity.Authorizations) - MaxAuthorizationsKept; extra > 0 {
		identity.Authorizations = slices.Delete(identity.Authorizations, 0, extra)
	}
	return nil
}

func (m *memoryStore) Ban(_ context.Context, ban Ban, accountIDs []string, admin TokenInfo) (Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accountIDs = normalizeAccountIDs(accountIDs)
	if len(accountIDs) == 0 {
		return Ban{}, ErrInvalidRequest
	}
	if ban.ID == "" {
		ban.ID = uuid.NewString()
	}
	ban.CreatedOn = m.now()

	stored := ban
	for i, accountID := range accountIDs {
		identity, _ := m.ensure(accountID)
		identity.Authorizations = nil

		kept := ban
		idx := slices.IndexFunc(identity.Bans, func(b Ban) bool { return b.PermissionSet == ban.PermissionSet })
		switch {
		case idx < 0:
			identity.Bans = append(identity.Bans, ban)
		case ban.Outlives(identity.Bans[idx]):
			identity.Bans[idx] = ban
		default:
			kept = identity.Bans[idx]
		}
		if i == 0 || kept.ID == ban.ID {
			stored = kept
		}
		if extra := len(identity.Bans) - MaxBansKept; extra > 0 {
			identity.Bans = slices.Delete(identity.Bans, 0, extra)
		}
		identity.UpdatedOn = m.now()
	}

	m.history = append(m.history, BanHistory{
		ID:             ban.ID,
		IssuedAt:       m.now(),
		Accounts:       accountIDs,
		Ban:            stored,
		Representative: admin,
	})
	return stored, nil
}

func (m *memoryStore) Unban(_ context.Context, accountID string, banIDs []string) (bool, error) {
	if len(banIDs) == 0 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[accountID]
	if !ok {
		return false, nil
	}
	before := len(identity.Bans)
	identity.Bans = slices.DeleteFunc(identity.Bans, func(b Ban) bool { return slices.Contains(banIDs, b.ID) })
	return len(identity.Bans) != before, nil
}

func (m *memoryStore) InvalidateAccount(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[accountID]
	if !ok {
		return 0, nil
	}
	var affected int64
	for i := range identity.Authorizations {
		if identity.Authorizations[i].IsValid {
			identity.Authorizations[i].IsValid = false
			affected++
		}
	}
	return affected, nil
}

func (m *memoryStore) InvalidateAllTokens(_ context.Context, includeAdminTokens bool, cutoff *time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected int64
	for _, identity := range m.identities {
		if identity.IsAdmin && (cutoff == nil || !includeAdminTokens) {
			continue
		}
		before := len(identity.Authorizations)
		identity.Authorizations = slices.DeleteFunc(identity.Authorizations, func(a Authorization) bool {
			return cutoff == nil || !a.Created.After(*cutoff)
		})
		if len(identity.Authorizations) != before {
			affected++
		}
	}
	return affected, nil
}

func (m *memoryStore) RemoveExpiredBans(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, identity := range m.identities {
		before := len(identity.Bans)
		identity.Bans = slices.DeleteFunc(identity.Bans, func(b Ban) bool { return !b.IsActive(now) })
		removed += int64(before - len(identity.Bans))
	}
	return removed, nil
}

func (m *memoryStore) RecordFailedAuth(_ context.Context, accountID string, admin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[accountID]
	if !ok {
		return nil
	}
	if admin {
		identity.FailedAdminAuthAttempts++
	} else {
		identity.FailedAuthAttempts++
	}
	return nil
}

func (m *memoryStore) BanHistory(_ context.Context, accountID string, limit int) ([]BanHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BanHistory, 0)
	for i := len(m.history) - 1; i >= 0; i-- {
		if slices.Contains(m.history[i].Accounts, accountID) {
			out = append(out, m.history[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// addBan places a ban directly, leaving authorizations alone, to model a
// ban that raced with a token already in flight.
func (m *memoryStore) addBan(accountID string, ban Ban) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, _ := m.ensure(accountID)
	identity.Bans = append(identity.Bans, ban)
}
