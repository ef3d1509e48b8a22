// Package permission models the service audiences a token grants access to
// as a bitset.
package permission

import (
	"sort"
	"strings"
)

type Set int64

const (
	TokenService Set = 1 << iota
	PlayerService
	ChatService
	LeaderboardService
	MailService
	MatchmakingService
	GuildService
	MultiplayerService
	ConfigService
	ReceiptService
	CalendarService
	PvpService
	NftService
	DmzService
	PortalService

	endOfSet
)

const (
	None Set = 0
	All  Set = endOfSet - 1

	// Standard is granted to player tokens that did not ask for anything
	// narrower. The admin tooling audiences are excluded.
	Standard Set = All &^ (DmzService | PortalService)
)

// Wildcard is the audience name meaning every service.
const Wildcard = "*"

var names = map[Set]string{
	TokenService:       "token-service",
	PlayerService:      "player-service",
	ChatService:        "chat-service",
	LeaderboardService: "leaderboard-service",
	MailService:        "mail-service",
	MatchmakingService: "matchmaking-service",
	GuildService:       "guild-service",
	MultiplayerService: "multiplayer-service",
	ConfigService:      "config-service",
	ReceiptService:     "receipt-service",
	CalendarService:    "calendar-service",
	PvpService:         "pvp-service",
	NftService:         "nft-service",
	DmzService:         "dmz-service",
	PortalService:      "portal-service",
}

var byName = func() map[string]Set {
	out := make(map[string]Set, len(names)+1)
	for bit, name := range names {
		out[Canonical(name)] = bit
	}
	out[Wildcard] = All
	return out
}()

var separators = strings.NewReplacer("-", "", "_", "", " ", "")

// Canonical folds the spellings callers use for a service name, so that
// "TokenService", "token_service" and "token-service" compare equal.
func Canonical(name string) string {
	return separators.Replace(strings.ToLower(strings.TrimSpace(name)))
}

// Parse resolves a single audience name. The wildcard resolves to All.
func Parse(name string) (Set, bool) {
	bit, ok := byName[Canonical(name)]
	return bit, ok
}

// FromNames ORs together the bits of every recognised name. Unknown names
// are ignored so that tokens minted with retired audiences still decode.
func FromNames(list []string) Set {
	var out Set
	for _, name := range list {
		if bit, ok := Parse(name); ok {
			out |= bit
		}
	}
	return out
}

func (s Set) Has(bits Set) bool {
	return bits != None && s&bits == bits
}

func (s Set) Intersects(bits Set) bool {
	return s&bits != None
}

// Names lists the individual audiences in s, sorted.
func (s Set) Names() []string {
	if s&All == All {
		return []string{Wildcard}
	}
	out := make([]string, 0, len(names))
	for bit, name := range names {
		if s&bit != 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	return strings.Join(s.Names(), ",")
}

// Effective computes the permission set of a token about to be issued. An
// unset request falls back to All for admins and Standard otherwise; every
// bit held by an active ban is then removed.
func Effective(requested Set, admin bool, activeBans ...Set) Set {
	if requested == None {
		requested = Standard
		if admin {
			requested = All
		}
	}

	var banned Set
	for _, ban := range activeBans {
		banned |= ban
	}

	return requested & All &^ banned
}
