package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/require"

	"chronicle/collab/internal/prosemirror"
	"chronicle/collab/internal/replica"
)

type harness struct {
	docs      *fakeDocuments
	users     *fakeDirectory
	store     *replica.Store
	scheduler *Scheduler
	manager   *Manager
}

func newHarness(t *testing.T, cfg SchedulerConfig) *harness {
	t.Helper()
	h := &harness{
		docs:  newFakeDocuments(),
		users: newFakeDirectory(),
		store: replica.NewStore(),
	}
	h.scheduler = NewScheduler(h.docs, cfg)
	auth := NewAuthenticator(fakeVerifier{}, h.users, time.Second)
	h.manager = NewManager(ManagerConfig{LoadTimeout: time.Second, CallTimeout: time.Second}, auth, h.docs, h.store, h.scheduler)
	t.Cleanup(h.scheduler.Stop)
	return h
}

func (h *harness) connect(t *testing.T, user, doc string) (*Session, *fakePeer) {
	t.Helper()
	peer := &fakePeer{}
	sess, err := h.manager.Connect(context.Background(), ConnectRequest{DocumentID: doc, Token: "token-" + user}, peer)
	require.NoError(t, err)
	require.Equal(t, StateAttached, sess.State())
	return sess, peer
}

func paragraphNode(text string) json.RawMessage {
	node, _ := json.Marshal(map[string]any{
		"type":    "paragraph",
		"content": []any{map[string]any{"type": "text", "text": text}},
	})
	return node
}

func insertParagraph(text string, base uint64) replica.Op {
	return replica.Op{Kind: replica.OpInsert, Base: &base, Index: 0, Node: paragraphNode(text)}
}

func slowConfig() SchedulerConfig {
	cfg := testSchedulerConfig()
	cfg.Debounce = time.Hour
	cfg.MaxDebounce = time.Hour
	return cfg
}

func TestConcurrentConnectsShareOneReplica(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.docs.fetchDelay = 30 * time.Millisecond

	users := []string{"userA", "userB"}
	sessions := make([]*Session, len(users))
	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, user := range users {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			sessions[i], errs[i] = h.manager.Connect(context.Background(), ConnectRequest{DocumentID: "doc-1", Token: "token-" + user}, &fakePeer{})
		}(i, user)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, int32(1), h.docs.fetches.Load(), "exactly one load from storage")
	require.Equal(t, 1, h.store.Len())

	r, ok := h.store.Get("doc-1")
	require.True(t, ok)
	for _, sess := range sessions {
		require.Equal(t, StateAttached, sess.State())
		attached, _ := sess.attachedReplica()
		require.Same(t, r, attached)
	}
	require.Len(t, h.manager.Presence("doc-1"), 2)
}

func TestManyConcurrentConnectsLoadOnce(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.docs.fetchDelay = 20 * time.Millisecond

	const attempts = 12
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.manager.Connect(context.Background(), ConnectRequest{DocumentID: "fresh", Token: "token-userA"}, &fakePeer{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), h.docs.fetches.Load())
	require.Len(t, h.manager.Presence("fresh"), attempts)
}

func TestConnectRejectsInvalidCredential(t *testing.T) {
	h := newHarness(t, slowConfig())
	peer := &fakePeer{}

	sess, err := h.manager.Connect(context.Background(), ConnectRequest{DocumentID: "doc-x", Token: "expired-token"}, peer)
	require.ErrorIs(t, err, ErrCredentialInvalid)
	require.Nil(t, sess)

	_, ok := h.store.Get("doc-x")
	require.False(t, ok)
	require.Zero(t, h.docs.fetches.Load())

	failed, ok := peer.first().(AuthenticationFailedMessage)
	require.True(t, ok, "client must be told why before the close")
	require.Equal(t, "CREDENTIAL_INVALID", failed.Reason)
	require.Equal(t, CloseAuthFailed, CloseCode(err))
}

func TestConnectWithoutCredentialNeverAttaches(t *testing.T) {
	h := newHarness(t, slowConfig())

	requests := []ConnectRequest{
		{DocumentID: "doc"},
		{DocumentID: "doc", URL: mustURL(t, "ws://host/collab/doc?name=x")},
	}
	for _, req := range requests {
		peer := &fakePeer{}
		_, err := h.manager.Connect(context.Background(), req, peer)
		require.ErrorIs(t, err, ErrCredentialMissing)
		failed, ok := peer.first().(AuthenticationFailedMessage)
		require.True(t, ok)
		require.Equal(t, "CREDENTIAL_MISSING", failed.Reason)
	}
	require.Zero(t, h.store.Len())
	require.Empty(t, h.manager.Presence("doc"))
}

func TestLastDisconnectFlushesThenEvicts(t *testing.T) {
	h := newHarness(t, slowConfig())
	sess, _ := h.connect(t, "userA", "doc-2")

	require.NoError(t, h.manager.Apply(context.Background(), sess, insertParagraph("one edit", 0)))
	_, stored := h.docs.stored("doc-2")
	require.False(t, stored, "debounce is an hour, nothing written yet")

	h.manager.Disconnect(context.Background(), sess)
	require.Equal(t, StateClosed, sess.State())

	content, stored := h.docs.stored("doc-2")
	require.True(t, stored)
	doc, err := prosemirror.Decode(content)
	require.NoError(t, err)
	require.Equal(t, "one edit", prosemirror.PlainText(doc))

	_, resident := h.store.Get("doc-2")
	require.False(t, resident)
	require.Zero(t, h.scheduler.Pending())
}

func TestLoadFailureLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.docs.setFetchErr(errors.New("connection refused"))

	peer := &fakePeer{}
	sess, err := h.manager.Connect(context.Background(), ConnectRequest{DocumentID: "doc-3", Token: "token-userA"}, peer)
	require.ErrorIs(t, err, ErrDocumentUnavailable)
	require.Nil(t, sess)
	require.Equal(t, CloseUnavailable, CloseCode(err))
	_, ok := h.store.Get("doc-3")
	require.False(t, ok)

	h.docs.setFetchErr(nil)
	sess, _ = h.connect(t, "userA", "doc-3")
	require.Equal(t, StateAttached, sess.State())
	require.Equal(t, int32(2), h.docs.fetches.Load())
}

func TestMalformedContentIsUnavailable(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.docs.docs["broken"] = json.RawMessage(`{"type":"paragraph"}`)

	_, err := h.manager.Connect(context.Background(), ConnectRequest{DocumentID: "broken", Token: "token-userA"}, &fakePeer{})
	require.ErrorIs(t, err, ErrDocumentUnavailable)
	require.Zero(t, h.store.Len())
}

func TestInvalidTableFragmentIsSanitizedOnLoad(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.docs.docs["doc-4"] = json.RawMessage(`{"type":"doc","content":[
		{"type":"table","content":[{"type":"tableRow","content":[
			{"type":"tableCell","content":[{"type":"paragraph","content":[{"type":"text","text":"kept"}]}]},
			{"type":"paragraph","content":[{"type":"text","text":"leaked"}]}
		]}]}
	]}`)

	_, peer := h.connect(t, "userA", "doc-4")

	snapshot, ok := peer.lastSnapshot()
	require.True(t, ok)
	require.Contains(t, string(snapshot.Content), "kept")
	require.NotContains(t, string(snapshot.Content), "leaked")

	r, _ := h.store.Get("doc-4")
	content, err := r.Content()
	require.NoError(t, err)
	require.NotContains(t, string(content), "leaked")
	require.False(t, r.Dirty())
}

func TestReplicaStaysWhileSessionsRemain(t *testing.T) {
	h := newHarness(t, slowConfig())
	a, _ := h.connect(t, "userA", "doc")
	b, peerB := h.connect(t, "userB", "doc")

	require.NoError(t, h.manager.Apply(context.Background(), a, insertParagraph("from A", 0)))
	h.manager.Disconnect(context.Background(), a)

	_, resident := h.store.Get("doc")
	require.True(t, resident)
	require.Zero(t, h.docs.storeCount(), "no flush is forced while sessions remain")

	presence, ok := peerB.lastPresence()
	require.True(t, ok)
	require.Len(t, presence.Sessions, 1)
	require.Equal(t, b.ID, presence.Sessions[0].SessionID)
}

func TestFailedFinalFlushKeepsReplicaUntilRetrySucceeds(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Debounce = time.Hour
	cfg.MaxDebounce = 30 * time.Millisecond
	h := newHarness(t, cfg)
	h.docs.setStoreErr(errors.New("backend unavailable"))

	sess, _ := h.connect(t, "userA", "doc")
	require.NoError(t, h.manager.Apply(context.Background(), sess, insertParagraph("precious", 0)))
	h.manager.Disconnect(context.Background(), sess)

	r, resident := h.store.Get("doc")
	require.True(t, resident, "unsaved edits keep the replica resident")
	require.True(t, r.Dirty())
	require.Never(t, func() bool {
		_, ok := h.store.Get("doc")
		return !ok
	}, 80*time.Millisecond, 10*time.Millisecond)

	h.docs.setStoreErr(nil)
	require.Eventually(t, func() bool {
		_, ok := h.store.Get("doc")
		return !ok
	}, time.Second, 5*time.Millisecond)
	content, ok := h.docs.stored("doc")
	require.True(t, ok)
	require.Contains(t, string(content), "precious")
}

func TestReconnectAfterFailedFlushReusesResidentReplica(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Debounce = time.Hour
	cfg.MaxDebounce = time.Hour
	h := newHarness(t, cfg)
	h.docs.setStoreErr(errors.New("backend unavailable"))

	sess, _ := h.connect(t, "userA", "doc")
	require.NoError(t, h.manager.Apply(context.Background(), sess, insertParagraph("unsaved", 0)))
	h.manager.Disconnect(context.Background(), sess)

	_, peer := h.connect(t, "userA", "doc")
	require.Equal(t, int32(1), h.docs.fetches.Load(), "resident replica is reused, not reloaded")
	snapshot, ok := peer.lastSnapshot()
	require.True(t, ok)
	require.Contains(t, string(snapshot.Content), "unsaved")
	require.Equal(t, uint64(1), snapshot.Version)
}

func TestUpdatesFanOutToOtherSessions(t *testing.T) {
	h := newHarness(t, slowConfig())
	a, peerA := h.connect(t, "userA", "doc")
	_, peerB := h.connect(t, "userB", "doc")

	op := insertParagraph("hello", 0)
	require.NoError(t, h.manager.Apply(context.Background(), a, op))

	updates := peerB.updates()
	require.Len(t, updates, 1)
	require.Equal(t, uint64(1), updates[0].Version)
	require.Equal(t, a.ID, updates[0].SessionID)
	require.Equal(t, op.Kind, updates[0].Op.Kind)
	require.Empty(t, peerA.updates())
	require.Equal(t, []AckMessage{{Type: "ack", Version: 1}}, peerA.acks())

	presence, ok := peerA.lastPresence()
	require.True(t, ok)
	require.Len(t, presence.Sessions, 2)
	require.Equal(t, "Ada Lovelace", presence.Sessions[0].Name)
	require.Equal(t, "Grace Hopper", presence.Sessions[1].Name)
}

func TestSnapshotVersionOrdersLateJoiner(t *testing.T) {
	h := newHarness(t, slowConfig())
	a, _ := h.connect(t, "userA", "doc")
	require.NoError(t, h.manager.Apply(context.Background(), a, insertParagraph("one", 0)))
	require.NoError(t, h.manager.Apply(context.Background(), a, insertParagraph("two", 1)))

	_, peerB := h.connect(t, "userB", "doc")
	snapshot, ok := peerB.lastSnapshot()
	require.True(t, ok)
	require.Equal(t, uint64(2), snapshot.Version)

	require.NoError(t, h.manager.Apply(context.Background(), a, insertParagraph("three", 2)))
	updates := peerB.updates()
	require.Len(t, updates, 1)
	require.Equal(t, uint64(3), updates[0].Version)
}

const threeParagraphs = `{"type":"doc","content":[
  {"type":"paragraph","content":[{"type":"text","text":"p0"}]},
  {"type":"paragraph","content":[{"type":"text","text":"p1"}]},
  {"type":"paragraph","content":[{"type":"text","text":"p2"}]}
]}`

func TestConcurrentOpsConvergeInEitherOrder(t *testing.T) {
	base := uint64(0)
	insertA := replica.Op{Kind: replica.OpInsert, Base: &base, Index: 0, Node: paragraphNode("A")}
	replaceB := replica.Op{Kind: replica.OpReplace, Base: &base, Index: 1, Node: paragraphNode("B")}

	run := func(t *testing.T, aFirst bool) (json.RawMessage, *fakePeer, *fakePeer) {
		h := newHarness(t, slowConfig())
		h.docs.docs["doc"] = json.RawMessage(threeParagraphs)
		a, peerA := h.connect(t, "userA", "doc")
		b, peerB := h.connect(t, "userB", "doc")

		if aFirst {
			require.NoError(t, h.manager.Apply(context.Background(), a, insertA))
			require.NoError(t, h.manager.Apply(context.Background(), b, replaceB))
		} else {
			require.NoError(t, h.manager.Apply(context.Background(), b, replaceB))
			require.NoError(t, h.manager.Apply(context.Background(), a, insertA))
		}

		r, ok := h.store.Get("doc")
		require.True(t, ok)
		content, err := r.Content()
		require.NoError(t, err)
		return content, peerA, peerB
	}

	aThenB, peerA, peerB := run(t, true)
	bThenA, _, _ := run(t, false)
	require.JSONEq(t, string(aThenB), string(bThenA))

	doc, err := prosemirror.Decode(aThenB)
	require.NoError(t, err)
	require.Equal(t, "A\np0\nB\np2", prosemirror.PlainText(doc))

	// A's op was current and relayed; B's was rebased and answered with
	// snapshots of the merged result
	require.Len(t, peerA.acks(), 1)
	require.Empty(t, peerB.acks())
	for _, peer := range []*fakePeer{peerA, peerB} {
		snapshot, ok := peer.lastSnapshot()
		require.True(t, ok)
		require.Equal(t, uint64(2), snapshot.Version)
		require.JSONEq(t, string(aThenB), string(snapshot.Content))
	}
}

func TestStaleBaseIsAnsweredWithSnapshot(t *testing.T) {
	h := newHarness(t, slowConfig())
	sess, peer := h.connect(t, "userA", "doc")

	err := h.manager.HandleText(context.Background(), sess, []byte(`{"type":"update","op":{"kind":"delete","base":7,"index":0}}`))
	require.ErrorIs(t, err, ErrInvalidOperation)
	msg, ok := peer.lastError()
	require.True(t, ok)
	require.Equal(t, "INVALID_OPERATION", msg.Code)
	snapshot, ok := peer.lastSnapshot()
	require.True(t, ok)
	require.Zero(t, snapshot.Version)

	r, _ := h.store.Get("doc")
	require.False(t, r.Dirty())
}

func TestPanickingPeerDoesNotWedgeRoom(t *testing.T) {
	h := newHarness(t, slowConfig())
	a, _ := h.connect(t, "userA", "doc")
	b, peerB := h.connect(t, "userB", "doc")

	peerB.mu.Lock()
	peerB.panicOnUpdate = true
	peerB.mu.Unlock()
	require.Panics(t, func() {
		_ = h.manager.Apply(context.Background(), a, insertParagraph("boom", 0))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.manager.Disconnect(context.Background(), a)
		_ = h.manager.Resync(b)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("room stayed locked after a panic")
	}
	presence, ok := peerB.lastPresence()
	require.True(t, ok)
	require.Len(t, presence.Sessions, 1)
}

// syncClient is a bare merge-engine document on the client side of a syncing
// session.
type syncClient struct {
	doc   *automerge.Doc
	state *automerge.SyncState
	seen  int
}

func newSyncClient(doc *automerge.Doc) *syncClient {
	return &syncClient{doc: doc, state: automerge.NewSyncState(doc)}
}

// exchange runs sync rounds until neither side has anything left to send and
// returns the errors the manager reported for the client's messages.
func (c *syncClient) exchange(t *testing.T, h *harness, sess *Session, peer *fakePeer) []error {
	t.Helper()
	var errs []error
	for round := 0; round < 10; round++ {
		incoming := peer.binariesSince(c.seen)
		c.seen += len(incoming)
		for _, msg := range incoming {
			_, err := c.state.ReceiveMessage(msg)
			require.NoError(t, err)
		}
		reply, ok := c.state.GenerateMessage()
		if !ok {
			if len(incoming) == 0 {
				break
			}
			continue
		}
		if err := h.manager.HandleBinary(context.Background(), sess, reply.Bytes()); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func TestReadOnlySyncSessionConverges(t *testing.T) {
	h := newHarness(t, slowConfig())
	writer, _ := h.connect(t, "userA", "doc")
	peer := &fakePeer{}
	viewer, err := h.manager.Connect(context.Background(), ConnectRequest{DocumentID: "doc", Token: "token-viewer", Sync: true}, peer)
	require.NoError(t, err)
	require.True(t, viewer.ReadOnly())

	client := newSyncClient(automerge.New())
	require.Empty(t, client.exchange(t, h, viewer, peer))

	require.NoError(t, h.manager.Apply(context.Background(), writer, insertParagraph("fresh", 0)))
	require.Empty(t, client.exchange(t, h, viewer, peer))

	blocks, err := automerge.As[[]string](client.doc.Path("blocks").Get())
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Contains(t, blocks[0], "fresh")
}

func TestReadOnlySyncSessionCannotPushChanges(t *testing.T) {
	h := newHarness(t, slowConfig())
	peer := &fakePeer{}
	viewer, err := h.manager.Connect(context.Background(), ConnectRequest{DocumentID: "doc", Token: "token-viewer", Sync: true}, peer)
	require.NoError(t, err)

	doc := automerge.New()
	require.NoError(t, doc.Path("blocks").Set([]string{`{"type":"paragraph"}`}))
	_, err = doc.Commit("local edit")
	require.NoError(t, err)

	errs := newSyncClient(doc).exchange(t, h, viewer, peer)
	require.NotEmpty(t, errs)
	for _, err := range errs {
		require.ErrorIs(t, err, ErrForbidden)
	}
	r, _ := h.store.Get("doc")
	require.False(t, r.Dirty())
}

func TestReadOnlySessionCannotEdit(t *testing.T) {
	h := newHarness(t, slowConfig())
	viewer, peer := h.connect(t, "viewer", "doc")
	require.True(t, viewer.ReadOnly())

	err := h.manager.HandleText(context.Background(), viewer, []byte(`{"type":"update","op":{"kind":"insert","index":0,"node":{"type":"paragraph"}}}`))
	require.ErrorIs(t, err, ErrForbidden)
	msg, ok := peer.lastError()
	require.True(t, ok)
	require.Equal(t, "FORBIDDEN", msg.Code)

	require.ErrorIs(t, h.manager.ReceiveSync(context.Background(), viewer, []byte{0x42}), ErrInvalidOperation)

	r, _ := h.store.Get("doc")
	require.False(t, r.Dirty())
}

func TestHandleTextReportsProtocolErrors(t *testing.T) {
	h := newHarness(t, slowConfig())
	sess, peer := h.connect(t, "userA", "doc")

	for _, frame := range []string{`not json`, `{"type":"dance"}`, `{"type":"update"}`, `{"type":"update","op":{"kind":"delete","index":5}}`} {
		err := h.manager.HandleText(context.Background(), sess, []byte(frame))
		require.ErrorIs(t, err, ErrInvalidOperation, frame)
		msg, ok := peer.lastError()
		require.True(t, ok)
		require.Equal(t, "INVALID_OPERATION", msg.Code)
	}

	require.NoError(t, h.manager.HandleText(context.Background(), sess, []byte(`{"type":"sync"}`)))
	snapshot, ok := peer.lastSnapshot()
	require.True(t, ok)
	require.Zero(t, snapshot.Version)
}

func TestSyncSessionsReceiveEngineMessages(t *testing.T) {
	h := newHarness(t, slowConfig())
	peer := &fakePeer{}
	sess, err := h.manager.Connect(context.Background(), ConnectRequest{DocumentID: "doc", Token: "token-userA", Sync: true}, peer)
	require.NoError(t, err)
	require.Equal(t, 1, peer.binaryCount(), "initial sync message on attach")

	_, plain := h.connect(t, "userB", "doc")
	require.Zero(t, plain.binaryCount())

	require.ErrorIs(t, h.manager.HandleBinary(context.Background(), sess, []byte("garbage")), ErrInvalidOperation)
}

func TestCancelledWhileLoadingIsNotAttached(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.docs.fetchDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	sess, err := h.manager.Connect(ctx, ConnectRequest{DocumentID: "doc-5", Token: "token-userA"}, &fakePeer{})
	require.ErrorIs(t, err, ErrCancelled)
	require.Nil(t, sess)

	// let the abandoned load finish
	time.Sleep(2 * h.docs.fetchDelay)
	require.Eventually(t, func() bool { return h.store.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), h.docs.fetches.Load())
	require.Empty(t, h.manager.Presence("doc-5"))
}

func TestAdministrativeFlushAndClose(t *testing.T) {
	h := newHarness(t, slowConfig())
	a, peer := h.connect(t, "userA", "doc-a")
	b, _ := h.connect(t, "userB", "doc-b")

	require.ErrorIs(t, h.manager.Flush(context.Background(), "missing"), ErrDocumentUnavailable)

	require.NoError(t, h.manager.Apply(context.Background(), a, insertParagraph("a", 0)))
	require.NoError(t, h.manager.Flush(context.Background(), "doc-a"))
	require.Equal(t, 1, h.docs.storeCount())
	_, resident := h.store.Get("doc-a")
	require.True(t, resident, "flush alone does not evict an attached replica")

	require.NoError(t, h.manager.Apply(context.Background(), a, insertParagraph("a2", 1)))
	require.NoError(t, h.manager.Apply(context.Background(), b, insertParagraph("b", 0)))

	stats := h.manager.Replicas()
	require.Len(t, stats, 2)
	require.True(t, stats[0].Dirty)

	require.NoError(t, h.manager.Close(context.Background()))
	require.Equal(t, 3, h.docs.storeCount())
	for _, s := range h.manager.Replicas() {
		require.False(t, s.Dirty)
	}
	require.True(t, peer.closed)
	require.Equal(t, CloseGoingAway, peer.code)
}

func TestSessionTransitions(t *testing.T) {
	sess := newSession("s", ConnectRequest{}, &fakePeer{})
	require.Error(t, sess.transition(StateAuthenticating, StateLoading))
	require.NoError(t, sess.transition(StateConnecting, StateAuthenticating))
	require.Error(t, sess.transition(StateAuthenticating, StateAttached))
	sess.abandon()
	require.Equal(t, StateClosed, sess.State())
	require.Equal(t, "closed", sess.State().String())
}

type fakeRegistry struct {
	mu     sync.Mutex
	joined map[string]replica.Presence
	left   []string
}

func (f *fakeRegistry) Join(ctx context.Context, documentID string, p replica.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[documentID+"/"+p.SessionID] = p
	return nil
}

func (f *fakeRegistry) Leave(ctx context.Context, documentID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, documentID+"/"+sessionID)
	f.left = append(f.left, sessionID)
	return nil
}

func TestPresenceRegistryMirrorsSessions(t *testing.T) {
	h := newHarness(t, slowConfig())
	registry := &fakeRegistry{joined: map[string]replica.Presence{}}
	h.manager.UsePresenceRegistry(registry)

	sess, _ := h.connect(t, "userB", "doc")
	registry.mu.Lock()
	p, ok := registry.joined["doc/"+sess.ID]
	registry.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, "Grace Hopper", p.Name)

	h.manager.Disconnect(context.Background(), sess)
	registry.mu.Lock()
	defer registry.mu.Unlock()
	require.Empty(t, registry.joined)
	require.Equal(t, []string{sess.ID}, registry.left)
}
