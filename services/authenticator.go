// services/authenticator.go
package services

import (
	"context"
	"slices"
)

const RoleAdmin = "admin"

// Identity is the authenticated caller. RunID is empty when the credential is not scoped
// to a single run.
type Identity struct {
	PlayerID string
	RunID    string
	Roles    []string
	Source   string // "session" or "bearer"
}

func (i Identity) IsAdmin() bool {
	return slices.Contains(i.Roles, RoleAdmin)
}

// CanAccessRun reports whether the credential's run scope admits runID.
func (i Identity) CanAccessRun(runID string) bool {
	return i.RunID == "" || i.RunID == runID || i.IsAdmin()
}

// SessionValidator checks primary session tokens against the auth service.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionToken string) (*ValidateResponse, error)
}

// Authenticator resolves a caller from a session token or, when none is presented, a
// legacy bearer. A presented session token is never second-guessed by the bearer.
type Authenticator struct {
	Sessions SessionValidator
	Bearer   *BearerVerifier
}

func NewAuthenticator(sessions SessionValidator, bearer *BearerVerifier) *Authenticator {
	return &Authenticator{Sessions: sessions, Bearer: bearer}
}

func (a *Authenticator) Authenticate(ctx context.Context, sessionToken, bearerToken string) (Identity, error) {
	if sessionToken != "" {
		if a.Sessions == nil {
			return Identity{}, ErrUnauthenticated
		}
		resp, err := a.Sessions.ValidateSession(ctx, sessionToken)
		if err != nil {
			return Identity{}, err
		}
		return Identity{PlayerID: resp.PlayerID, RunID: resp.RunID, Roles: resp.Roles, Source: "session"}, nil
	}

	if bearerToken != "" && a.Bearer != nil {
		claims, err := a.Bearer.Verify(bearerToken)
		if err != nil {
			return Identity{}, err
		}
		return Identity{PlayerID: claims.PlayerID, RunID: claims.RunID, Roles: claims.Roles, Source: "bearer"}, nil
	}
	return Identity{}, ErrUnauthenticated
}
