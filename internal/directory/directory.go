// Package directory resolves verified user ids to the profile attributes
// shown in presence.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chronicle/collab/internal/rest"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarURL string `json:"avatar,omitempty"`
	Role      string `json:"role,omitempty"`
}

func (u User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.ID
	}
	return name
}

type Client interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// HTTPClient talks to the user service: GET {base}/users/{id}.
type HTTPClient struct {
	rest *rest.Client
}

func NewHTTPClient(baseURL, serviceToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{rest: rest.NewClient(baseURL, serviceToken, timeout)}
}

func (c *HTTPClient) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := c.rest.Do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, &user)
	if err != nil {
		if rest.IsStatus(err, http.StatusNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	if user.ID == "" {
		user.ID = id
	}
	return user, nil
}
