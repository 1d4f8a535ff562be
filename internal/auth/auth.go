// Package auth authenticates gRPC callers by project API key.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Authenticator validates incoming requests and returns the caller's Principal.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// Principal is the authenticated project a request runs for.
type Principal struct {
	ProjectID string
	TeamID    string
	// Degraded is set when the principal was issued without verifying the key.
	Degraded bool
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// KeyPrefix starts every project API key.
const KeyPrefix = "tsk_"

// ExtractBearerToken extracts a tsk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < 8 {
		return "", ErrUnauthenticated
	}
	return token, nil
}
