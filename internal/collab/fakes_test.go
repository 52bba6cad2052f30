package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"chronicle/collab/internal/directory"
	"chronicle/collab/internal/documents"
)

var errExpired = errors.New("token is expired")

type fakeVerifier struct {
	delay time.Duration
}

func (f fakeVerifier) Verify(ctx context.Context, token string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	switch token {
	case "expired-token", "":
		return "", errExpired
	}
	// tokens are "token-<user id>"
	if len(token) > 6 && token[:6] == "token-" {
		return token[6:], nil
	}
	return "", errors.New("signature is invalid")
}

type fakeDirectory struct {
	users map[string]directory.User
	err   error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[string]directory.User{
		"userA":  {ID: "userA", FirstName: "Ada", LastName: "Lovelace"},
		"userB":  {ID: "userB", FirstName: "Grace", LastName: "Hopper", AvatarURL: "grace.png"},
		"viewer": {ID: "viewer", FirstName: "Val", Role: "viewer"},
	}}
}

func (f *fakeDirectory) GetUser(ctx context.Context, id string) (directory.User, error) {
	if f.err != nil {
		return directory.User{}, f.err
	}
	user, ok := f.users[id]
	if !ok {
		return directory.User{}, directory.ErrUserNotFound
	}
	return user, nil
}

// fakeDocuments is an in-memory document service with failure injection.
type fakeDocuments struct {
	mu         sync.Mutex
	docs       map[string]json.RawMessage
	stores     []json.RawMessage
	storeTimes []time.Time
	fetchErr   error
	storeErr   error
	fetchDelay time.Duration
	// when set, Store reports entry and waits for a value before returning
	storeEntered chan struct{}
	storeGate    chan struct{}

	fetches atomic.Int32
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: map[string]json.RawMessage{}}
}

func (f *fakeDocuments) Fetch(ctx context.Context, id string) (json.RawMessage, error) {
	f.fetches.Add(1)
	if f.fetchDelay > 0 {
		select {
		case <-time.After(f.fetchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	content, ok := f.docs[id]
	if !ok {
		return nil, documents.ErrNotFound
	}
	return content, nil
}

func (f *fakeDocuments) Store(ctx context.Context, id string, content json.RawMessage) error {
	f.mu.Lock()
	gate, entered := f.storeGate, f.storeEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeTimes = append(f.storeTimes, time.Now())
	if f.storeErr != nil {
		return f.storeErr
	}
	f.docs[id] = content
	f.stores = append(f.stores, content)
	return nil
}

func (f *fakeDocuments) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeDocuments) setStoreErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = err
}

func (f *fakeDocuments) stored(id string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.docs[id]
	return content, ok
}

func (f *fakeDocuments) storeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stores)
}

func (f *fakeDocuments) attempts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.storeTimes...)
}

type fakePeer struct {
	mu       sync.Mutex
	texts    []any
	binaries [][]byte
	closed   bool
	code     int
	// panic when an update is relayed to this peer
	panicOnUpdate bool
}

func (p *fakePeer) SendText(msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := msg.(UpdateMessage); ok && p.panicOnUpdate {
		panic("peer write failed")
	}
	p.texts = append(p.texts, msg)
	return nil
}

func (p *fakePeer) SendBinary(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binaries = append(p.binaries, data)
	return nil
}

func (p *fakePeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.code = code
}

func (p *fakePeer) updates() []UpdateMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []UpdateMessage
	for _, msg := range p.texts {
		if update, ok := msg.(UpdateMessage); ok {
			out = append(out, update)
		}
	}
	return out
}

func (p *fakePeer) acks() []AckMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []AckMessage
	for _, msg := range p.texts {
		if ack, ok := msg.(AckMessage); ok {
			out = append(out, ack)
		}
	}
	return out
}

func (p *fakePeer) lastPresence() (PresenceMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.texts) - 1; i >= 0; i-- {
		if msg, ok := p.texts[i].(PresenceMessage); ok {
			return msg, true
		}
	}
	return PresenceMessage{}, false
}

func (p *fakePeer) lastSnapshot() (SnapshotMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.texts) - 1; i >= 0; i-- {
		if msg, ok := p.texts[i].(SnapshotMessage); ok {
			return msg, true
		}
	}
	return SnapshotMessage{}, false
}

func (p *fakePeer) lastError() (ErrorMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.texts) - 1; i >= 0; i-- {
		if msg, ok := p.texts[i].(ErrorMessage); ok {
			return msg, true
		}
	}
	return ErrorMessage{}, false
}

func (p *fakePeer) first() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.texts) == 0 {
		return nil
	}
	return p.texts[0]
}

func (p *fakePeer) binaryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.binaries)
}

func (p *fakePeer) binariesSince(i int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.binaries) {
		return nil
	}
	return append([][]byte(nil), p.binaries[i:]...)
}
