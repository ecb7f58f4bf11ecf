// Package auth parses the bearer tokens issued by the authentication layer
// and signs the short-lived tokens the task worker presents to the
// dispatch webhook.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	ScopeDispatch = "dispatch"
	ScopeAdmin    = "admin"

	taskSubject = "task-worker"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is who a request acts for.
type Identity struct {
	UserID    string
	Anonymous bool
	Scope     string
}

// Parse validates an HS256 token and extracts the identity claims.
func Parse(tokenString string, secret []byte) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{}
	if v, ok := claims["user_id"].(string); ok {
		id.UserID = v
	} else if v, ok := claims["sub"].(string); ok {
		id.UserID = v
	}
	id.Anonymous, _ = claims["anonymous"].(bool)
	id.Scope, _ = claims["scope"].(string)
	if id.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// SignTaskToken issues the token the worker sends with each HTTP delivery.
func SignTaskToken(secret []byte, ttl time.Duration, now time.Time) (string, error) {
	return Sign(secret, jwt.MapClaims{
		"sub":   taskSubject,
		"scope": ScopeDispatch,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
}

func Sign(secret []byte, claims jwt.MapClaims) (string, error) {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
