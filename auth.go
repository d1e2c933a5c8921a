package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
)

var errUnauthorized = errors.New("unauthorized")

// TokenVerifier is satisfied by *auth.Client.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// NewFirebaseVerifier builds a Firebase Admin Auth client using Application
// Default Credentials. It is created once in main and shared by handlers.
func NewFirebaseVerifier(ctx context.Context, projectID string) (*auth.Client, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return client, nil
}

// Authenticator accepts a Firebase ID token or, when configured, a fixed
// development bearer.
type Authenticator struct {
	verifier  TokenVerifier
	devBearer string
}

func NewAuthenticator(v TokenVerifier, devBearer string) *Authenticator {
	return &Authenticator{verifier: v, devBearer: devBearer}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}

// UserID returns the caller's identity.
func (a *Authenticator) UserID(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", fmt.Errorf("missing Authorization bearer token: %w", errUnauthorized)
	}
	if a.devBearer != "" && token == a.devBearer {
		return "dev", nil
	}
	if a.verifier == nil {
		return "", fmt.Errorf("no token verifier: %w", errUnauthorized)
	}
	decoded, err := a.verifier.VerifyIDToken(r.Context(), token)
	if err != nil || decoded == nil {
		return "", fmt.Errorf("verifyIDToken failed: %v: %w", err, errUnauthorized)
	}
	return decoded.UID, nil
}

// Require rejects requests without a valid identity. A nil Authenticator
// lets everything through.
func (a *Authenticator) Require(next http.HandlerFunc) http.HandlerFunc {
	if a == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := a.UserID(r)
		if err != nil {
			log.Printf("Require: %s %s: %v", r.Method, r.URL.Path, err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		debugf("Require: %s %s by %s", r.Method, r.URL.Path, uid)
		next(w, r)
	}
}
