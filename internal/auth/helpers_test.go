package auth

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"token-service/internal/crypt"
	"token-service/internal/observability"
	"token-service/internal/token"
	"token-service/internal/token/tokentest"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

const testGameKey = "game-key-test"

// syncBuffer lets concurrent tests share one log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type issuerFixture struct {
	issuer  *TokenIssuer
	codec   *token.Codec
	metrics *observability.Metrics
	logs    *syncBuffer
}

func newIssuerFixture(t *testing.T) issuerFixture {
	t.Helper()

	logs := &syncBuffer{}
	logger := observability.NewLoggerTo(logs)
	metrics := observability.NewMetrics(nil)

	private, public := tokentest.KeyPair(t)
	codec, err := token.NewCodec(private, public, logger)
	require.NoError(t, err)
	box, err := crypt.NewBox("email-secret")
	require.NoError(t, err)

	cfg := DefaultIssuerConfig()
	cfg.GameKey = testGameKey

	issuer := NewTokenIssuer(codec, box, cfg, logger, metrics)
	issuer.now = func() time.Time { return testNow }

	return issuerFixture{issuer: issuer, codec: codec, metrics: metrics, logs: logs}
}
