// Package auth issues and checks library access tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/daviddao/verdant/pkg/model"
)

// ErrInvalidToken marks a token that fails verification or lacks claims.
var ErrInvalidToken = errors.New("invalid token")

// Token is the decoded content of a library access token.
type Token struct {
	LibraryID    string
	UserID       string
	Type         model.ReplicaType
	SyncEndpoint string
	Expires      time.Time
}

// Signer signs and verifies tokens with one HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a signer for secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: %w: empty secret", model.ErrConfiguration)
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign encodes t as an HS256 JWT.
func (s *Signer) Sign(t Token) (string, error) {
	if t.LibraryID == "" || t.UserID == "" {
		return "", fmt.Errorf("auth: library and user are required")
	}
	if t.Type == "" {
		t.Type = model.ReplicaRealtime
	}
	if !t.Type.Valid() {
		return "", fmt.Errorf("auth: unknown replica type %q", t.Type)
	}
	claims := gojwt.MapClaims{
		"libraryId": t.LibraryID,
		"sub":       t.UserID,
		"type":      string(t.Type),
	}
	if t.SyncEndpoint != "" {
		claims["syncEndpoint"] = t.SyncEndpoint
	}
	if !t.Expires.IsZero() {
		claims["exp"] = t.Expires.Unix()
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature and expiry of raw and decodes it.
func (s *Signer) Verify(raw string) (*Token, error) {
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	token, err := parser.Parse(raw, func(*gojwt.Token) (any, error) { return s.secret, nil })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return fromClaims(token.Claims.(gojwt.MapClaims))
}

// ParseUnverified decodes raw without checking its signature. Clients use
// it to read their own token.
func ParseUnverified(raw string) (*Token, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, gojwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return fromClaims(token.Claims.(gojwt.MapClaims))
}

func fromClaims(claims gojwt.MapClaims) (*Token, error) {
	t := &Token{}
	if v, ok := claims["libraryId"].(string); ok {
		t.LibraryID = v
	}
	if v, ok := claims["sub"].(string); ok {
		t.UserID = v
	}
	if v, ok := claims["type"].(string); ok {
		t.Type = model.ReplicaType(v)
	}
	if v, ok := claims["syncEndpoint"].(string); ok {
		t.SyncEndpoint = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t.Expires = exp.Time
	}
	if t.LibraryID == "" || t.UserID == "" || !t.Type.Valid() {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}
	return t, nil
}
