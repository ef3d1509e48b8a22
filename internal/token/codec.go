// Package token signs claim maps into RS256 JWTs and verifies them back.
// It performs no business validation; expiry, audience and environment
// checks belong to the caller.
package token

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"token-service/internal/observability"
)

var (
	ErrMissingKeys       = errors.New("token: signing keys are not configured")
	ErrSignatureMismatch = errors.New("token: signature mismatch")
	ErrMalformedToken    = errors.New("token: malformed token")
)

const bearerPrefix = "bearer "

type Codec struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	logger  *observability.Logger
	parser  *jwt.Parser
}

// NewCodec parses the PEM encoded key pair. Both keys are required.
func NewCodec(privatePEM, publicPEM string, logger *observability.Logger) (*Codec, error) {
	if strings.TrimSpace(privatePEM) == "" || strings.TrimSpace(publicPEM) == "" {
		return nil, ErrMissingKeys
	}

	private, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %w", ErrMissingKeys, err)
	}
	public, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %w", ErrMissingKeys, err)
	}

	return &Codec{
		private: private,
		public:  public,
		logger:  logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
			jwt.WithJSONNumber(),
		),
	}, nil
}

func (c *Codec) Encode(claims map[string]any) (string, error) {
	if c == nil || c.private == nil {
		return "", ErrMissingKeys
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims)).SignedString(c.private)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

// Decode verifies raw and returns its claims. On ErrSignatureMismatch the
// unverified claims are returned alongside the error so the failure can be
// attributed to an account; they must not be trusted for anything else.
func (c *Codec) Decode(raw string) (map[string]any, error) {
	if c == nil || c.public == nil {
		return nil, ErrMissingKeys
	}

	raw = StripBearer(raw)
	if raw == "" {
		return nil, ErrMalformedToken
	}

	claims := jwt.MapClaims{}
	_, err := c.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.public, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return c.normalize(claims), fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	return c.normalize(claims), nil
}

// StripBearer removes surrounding space and an optional bearer scheme.
func StripBearer(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= len(bearerPrefix) && strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		raw = strings.TrimSpace(raw[len(bearerPrefix):])
	}
	return raw
}

func (c *Codec) normalize(claims jwt.MapClaims) map[string]any {
	out := make(map[string]any, len(claims))
	for key, value := range claims {
		converted, ok := c.convert(key, value)
		if !ok {
			continue
		}
		out[key] = converted
	}
	return out
}

// convert replaces json.Number with int64 when the literal is integral and
// float64 otherwise. Values that fit neither are dropped with a warning.
func (c *Codec) convert(key string, value any) (any, bool) {
	switch v := value.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(v.String(), 64); err == nil {
			return f, true
		}
		if c.logger != nil {
			c.logger.Warn("token_claim_number_dropped", map[string]any{"claim": key, "value": v.String()})
		}
		return nil, false
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if converted, ok := c.convert(key, item); ok {
				out = append(out, converted)
			}
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if converted, ok := c.convert(key+"."+k, item); ok {
				out[k] = converted
			}
		}
		return out, true
	default:
		return v, true
	}
}
