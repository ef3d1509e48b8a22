package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffective(t *testing.T) {
	tests := []struct {
		name      string
		requested Set
		admin     bool
		bans      []Set
		want      Set
	}{
		{name: "unset standard", want: Standard},
		{name: "unset admin", admin: true, want: All},
		{name: "explicit request kept", requested: ChatService | MailService, want: ChatService | MailService},
		{name: "ban removes bit", requested: ChatService | MailService, bans: []Set{ChatService}, want: MailService},
		{name: "bans are unioned", bans: []Set{ChatService, LeaderboardService | MailService}, want: Standard &^ (ChatService | LeaderboardService | MailService)},
		{name: "admin still loses banned bits", admin: true, bans: []Set{PortalService}, want: All &^ PortalService},
		{name: "full ban leaves nothing", bans: []Set{All}, want: None},
		{name: "out of range bits dropped", requested: Set(1 << 40), want: None},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Effective(tt.requested, tt.admin, tt.bans...))
		})
	}
}

func TestEffectiveNeverIncludesBannedBits(t *testing.T) {
	for bit := TokenService; bit < endOfSet; bit <<= 1 {
		for _, admin := range []bool{false, true} {
			got := Effective(None, admin, bit)
			assert.False(t, got.Intersects(bit), "bit %s leaked", bit)
		}
	}
}

func TestFromNames(t *testing.T) {
	assert.Equal(t, ChatService|MailService, FromNames([]string{"chat-service", " Mail-Service "}))
	assert.Equal(t, All, FromNames([]string{"*"}))
	assert.Equal(t, ChatService, FromNames([]string{"chat-service", "retired-service", ""}))
	assert.Equal(t, None, FromNames(nil))
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"*"}, All.Names())
	assert.Equal(t, []string{"chat-service", "mail-service"}, (MailService | ChatService).Names())
	assert.Empty(t, None.Names())
	assert.Equal(t, "chat-service,mail-service", (MailService | ChatService).String())
}

func TestParse(t *testing.T) {
	bit, ok := Parse("token-service")
	assert.True(t, ok)
	assert.Equal(t, TokenService, bit)

	for _, spelling := range []string{"TokenService", "token_service", " Token-Service "} {
		bit, ok = Parse(spelling)
		assert.True(t, ok, spelling)
		assert.Equal(t, TokenService, bit, spelling)
	}

	_, ok = Parse("nope")
	assert.False(t, ok)
}
