package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var b64 = base64.RawURLEncoding

var (
	ErrMalformedToken = errors.New("invalid token format")
	ErrBadSignature   = errors.New("signature mismatch")
	ErrTokenExpired   = errors.New("token expired")
)

// SignHS256 creates a compact JWT string using HS256.
func SignHS256(claims map[string]any, secret []byte) (string, error) {
	h, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	c, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	unsigned := b64.EncodeToString(h) + "." + b64.EncodeToString(c)
	return unsigned + "." + b64.EncodeToString(mac(unsigned, secret)), nil
}

// ParseAndVerifyHS256 verifies the header, signature and expiry of token and
// returns its claims.
func ParseAndVerifyHS256(token string, secret []byte, now time.Time) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}

	rawHeader, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, ErrMalformedToken
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(rawHeader, &header); err != nil || header.Alg != "HS256" {
		return nil, ErrMalformedToken
	}

	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal(sig, mac(parts[0]+"."+parts[1], secret)) {
		return nil, ErrBadSignature
	}

	payload, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformedToken
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformedToken
	}

	exp, ok := claims["exp"].(float64)
	if !ok || now.Unix() >= int64(exp) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func mac(unsigned string, secret []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(unsigned))
	return m.Sum(nil)
}
