package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"chronicle/collab/internal/directory"
	"chronicle/collab/internal/rbac"
)

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id string) (directory.User, error)
}

// ConnectRequest is what the transport knows about a connection attempt.
type ConnectRequest struct {
	DocumentID string
	// Token is the credential sent explicitly by the client, if any.
	Token string
	URL   *url.URL
	// Sync is set for clients that exchange merge-engine sync messages.
	Sync       bool
	RemoteAddr string
}

type Identity struct {
	UserID    string
	Name      string
	AvatarURL string
	Role      rbac.Role
}

func (i Identity) ReadOnly() bool {
	return !rbac.Can(i.Role, rbac.ActionWrite)
}

type Authenticator struct {
	verifier TokenVerifier
	users    UserDirectory
	timeout  time.Duration
}

func NewAuthenticator(verifier TokenVerifier, users UserDirectory, timeout time.Duration) *Authenticator {
	return &Authenticator{verifier: verifier, users: users, timeout: timeout}
}

// Authenticate turns a connection request into an identity. Every failure is
// terminal for the connection attempt.
func (a *Authenticator) Authenticate(ctx context.Context, req ConnectRequest) (Identity, error) {
	token := credential(req)
	if token == "" {
		return Identity{}, ErrCredentialMissing
	}

	verifyCtx, cancel := a.bound(ctx)
	userID, err := a.verifier.Verify(verifyCtx, token)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrCredentialInvalid)
	}

	lookupCtx, cancel := a.bound(ctx)
	user, err := a.users.GetUser(lookupCtx, userID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		// an unreachable directory cannot vouch for the user either
		if !errors.Is(err, directory.ErrUserNotFound) {
			return Identity{}, fmt.Errorf("%w: %s: directory lookup failed: %v", ErrUserNotFound, userID, err)
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	return Identity{
		UserID:    userID,
		Name:      user.DisplayName(),
		AvatarURL: user.AvatarURL,
		Role:      rbac.Normalize(user.Role),
	}, nil
}

func (a *Authenticator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

// credential prefers the explicit token over the one in the URL query.
func credential(req ConnectRequest) string {
	if token := stripBearer(req.Token); token != "" {
		return token
	}
	if req.URL != nil {
		return stripBearer(req.URL.Query().Get("token"))
	}
	return ""
}

func stripBearer(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 6 && strings.EqualFold(value[:6], "bearer") && (len(value) == 6 || value[6] == ' ') {
		value = strings.TrimSpace(value[6:])
	}
	return value
}
