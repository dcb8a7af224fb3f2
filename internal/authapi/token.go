package authapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim from an access token WITHOUT
// verifying its signature. The value only schedules refreshes; the
// backend re-validates the token on every call, so a forged expiry
// gains an attacker nothing but a mistimed refresh.
func TokenExpiry(accessToken string) (time.Time, error) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("access token has no usable exp claim: %w", err)
	}
	return exp.Time, nil
}
