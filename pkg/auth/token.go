package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flotilla-run/flotilla/pkg/utils"
)

const DefaultValidity = 10 * time.Minute

type Claims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`

	// Worker grants presented at registration.
	Agent bool `json:"agent"`
}

// A registration token minted from the API key/secret pair.
// Missing credentials are a construction-time error.
type AccessToken struct {
	apiKey    string
	apiSecret string
	identity  string
	validFor  time.Duration
}

func NewAccessToken(apiKey, apiSecret string) (*AccessToken, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, utils.ErrMissingCredentials
	}

	return &AccessToken{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		validFor:  DefaultValidity,
	}, nil
}

func (t *AccessToken) SetIdentity(identity string) *AccessToken {
	t.identity = identity
	return t
}

func (t *AccessToken) SetValidFor(d time.Duration) *AccessToken {
	t.validFor = d
	return t
}

// Serialize the token as a compact HMAC-SHA256 signed JWT.
func (t *AccessToken) ToJWT() (string, error) {
	now := time.Now()

	claims := Claims{
		Issuer:    t.apiKey,
		Subject:   t.identity,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(t.validFor).Unix(),
		Agent:     true,
	}

	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signing := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)

	mac := hmac.New(sha256.New, []byte(t.apiSecret))
	mac.Write([]byte(signing))

	return signing + "." + enc.EncodeToString(mac.Sum(nil)), nil
}

// Verify a compact token against a secret and return its claims.
func Verify(token, apiSecret string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed token")
	}

	enc := base64.RawURLEncoding

	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(parts[0] + "." + parts[1]))

	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed token signature")
	}

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, fmt.Errorf("invalid token signature")
	}

	payload, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed token payload")
	}

	claims := &Claims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, err
	}

	if time.Now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}

	return claims, nil
}
