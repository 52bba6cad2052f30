package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/collab"
	"chronicle/collab/internal/directory"
	"chronicle/collab/internal/documents"
	"chronicle/collab/internal/replica"

	"github.com/stretchr/testify/require"
)

const (
	testSecret       = "test-secret"
	testServiceToken = "service-token"
)

type fakeDirectory map[string]directory.User

func (f fakeDirectory) GetUser(_ context.Context, id string) (directory.User, error) {
	user, ok := f[id]
	if !ok {
		return directory.User{}, directory.ErrUserNotFound
	}
	return user, nil
}

type testEnv struct {
	docs    *documents.BoltStore
	manager *collab.Manager
	server  *HTTPServer
	http    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test wrap the document client the manager uses.
func newTestEnvWith(t *testing.T, wrap func(documents.Client) documents.Client) *testEnv {
	t.Helper()
	docs, err := documents.OpenBoltStore(filepath.Join(t.TempDir(), "collab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = docs.Close() })
	var client documents.Client = docs
	if wrap != nil {
		client = wrap(docs)
	}

	users := fakeDirectory{
		"user-a": {ID: "user-a", FirstName: "Avery", LastName: "Lee"},
		"user-b": {ID: "user-b", FirstName: "Blake"},
		"viewer": {ID: "viewer", FirstName: "Vic", Role: "viewer"},
	}
	scheduler := collab.NewScheduler(client, collab.SchedulerConfig{
		Debounce:     time.Hour,
		MaxDebounce:  time.Hour,
		Attempts:     1,
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
		AlertAfter:   3,
		CallTimeout:  time.Second,
	})
	authenticator := collab.NewAuthenticator(auth.NewVerifier(testSecret), users, time.Second)
	manager := collab.NewManager(collab.ManagerConfig{LoadTimeout: time.Second, CallTimeout: time.Second}, authenticator, client, replica.NewStore(), scheduler)

	server := NewHTTPServer(manager, ServerConfig{
		ServiceToken: testServiceToken,
		AuthTimeout:  200 * time.Millisecond,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(scheduler.Stop)

	return &testEnv{docs: docs, manager: manager, server: server, http: ts}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

func issue(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, time.Hour)
	require.NoError(t, err)
	return token
}
