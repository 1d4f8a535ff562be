package auth

import (
	"context"
)

// StaticAuthenticator is a development-only authenticator that accepts any tsk_ key.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	// Accept any tsk_ prefixed key with a static project ID
	return &Principal{
		ProjectID: "static-" + token[:8],
		TeamID:    "static",
	}, nil
}
