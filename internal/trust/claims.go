package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/helixcare/syncd/internal/types"
)

// claimsValidity bounds how long a presented device token stays usable.
const claimsValidity = 24 * time.Hour

// DeviceClaims is the token a device presents to identify itself. The trust
// level inside is informational only; authorization always reads the registry.
type DeviceClaims struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	TrustLevel  string `json:"trust_level"`
	jwt.RegisteredClaims
}

// MintClaims issues a signed device token.
func MintClaims(deviceID, fingerprint string, level types.TrustLevel, key []byte) (string, error) {
	now := time.Now()
	claims := DeviceClaims{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		TrustLevel:  level.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(claimsValidity)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// ParseClaims validates a presented device token and returns its claims.
func ParseClaims(tokenString string, key []byte) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse device claims: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid device claims")
	}
	return claims, nil
}

// MintToken issues a device token for a known, non-revoked device. The token
// carries the level current at mint time; authorization re-reads the registry.
func (r *Registry) MintToken(ctx context.Context, deviceID string, key []byte) (string, error) {
	device, err := r.Authorize(ctx, deviceID, types.TrustUntrusted)
	if err != nil {
		return "", err
	}
	return MintClaims(device.ID, device.Fingerprint, device.TrustLevel, key)
}

// AuthorizePresented validates a device token and authorizes the device it
// names against the registry. A revoked device fails here even when the token
// was minted before revocation and still claims an elevated level.
func (r *Registry) AuthorizePresented(ctx context.Context, tokenString string, key []byte, required types.TrustLevel) (*types.Device, error) {
	claims, err := ParseClaims(tokenString, key)
	if err != nil {
		return nil, err
	}
	return r.Authorize(ctx, claims.DeviceID, required)
}
