package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"chronicle/collab/internal/documents"
	"chronicle/collab/internal/prosemirror"
	"chronicle/collab/internal/replica"
	"chronicle/collab/internal/util"
)

type ManagerConfig struct {
	LoadTimeout time.Duration
	CallTimeout time.Duration
}

// room orders everything sent to the sessions of one document.
type room struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// set once the room was dropped from the manager; callers must re-resolve
	gone bool
}

// Manager owns the connection lifecycle: authenticate, load or reuse the
// replica, attach, relay edits, detach and flush.
type Manager struct {
	cfg       ManagerConfig
	auth      *Authenticator
	docs      documents.Client
	store     *replica.Store
	scheduler *Scheduler
	presence  PresenceRegistry

	mu    sync.Mutex
	rooms map[string]*room
}

func NewManager(cfg ManagerConfig, auth *Authenticator, docs documents.Client, store *replica.Store, scheduler *Scheduler) *Manager {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	m := &Manager{
		cfg:       cfg,
		auth:      auth,
		docs:      docs,
		store:     store,
		scheduler: scheduler,
		rooms:     map[string]*room{},
	}
	scheduler.setAfterFlush(m.afterFlush)
	return m
}

// UsePresenceRegistry mirrors presence changes into registry.
func (m *Manager) UsePresenceRegistry(registry PresenceRegistry) {
	m.presence = registry
}

// Connect runs a connection attempt up to Attached. On failure the session is
// Closed, nothing is attached and auth failures have been reported to peer.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest, peer Peer) (*Session, error) {
	sess := newSession(util.NewSessionID(), req, peer)
	if err := sess.transition(StateConnecting, StateAuthenticating); err != nil {
		return nil, err
	}

	identity, err := m.auth.Authenticate(ctx, req)
	if err != nil {
		sess.abandon()
		glog.Infof("session %s rejected for %s: %v", sess.ID, req.DocumentID, err)
		if isAuthError(err) {
			_ = peer.SendText(AuthenticationFailedMessage{Type: "authenticationFailed", Reason: Code(err), Message: err.Error()})
		}
		return nil, err
	}
	sess.Identity = identity

	if err := sess.transition(StateAuthenticating, StateLoading); err != nil {
		return nil, err
	}
	if req.DocumentID == "" {
		sess.abandon()
		return nil, fmt.Errorf("%w: no document id", ErrDocumentUnavailable)
	}

	r, err := m.attach(ctx, sess)
	if err != nil {
		sess.abandon()
		glog.Infof("session %s could not open %s: %v", sess.ID, req.DocumentID, err)
		return nil, err
	}
	glog.Infof("session %s (%s) attached to %s, %d sessions", sess.ID, identity.UserID, r.ID(), r.Sessions())

	if m.presence != nil {
		m.registry(func(ctx context.Context) error {
			return m.presence.Join(ctx, sess.DocumentID, sess.presence())
		})
	}
	return sess, nil
}

func (m *Manager) attach(ctx context.Context, sess *Session) (*replica.Replica, error) {
	for attempt := 0; attempt < 3; attempt++ {
		r, err := m.store.Acquire(ctx, sess.DocumentID, m.load)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			if errors.Is(err, ErrDocumentUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
		}

		retry, err := m.join(ctx, m.room(sess.DocumentID), sess, r)
		switch {
		case retry:
			continue
		case errors.Is(err, ErrCancelled):
			// the connection went away while the document was loading
			m.evict(r)
			return nil, err
		case err != nil:
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: replica for %s kept closing", ErrDocumentUnavailable, sess.DocumentID)
}

// join attaches sess to r and greets it. retry reports that the room or the
// replica was torn down in the meantime.
func (m *Manager) join(ctx context.Context, rm *room, sess *Session, r *replica.Replica) (retry bool, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.gone {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	if err := r.Attach(sess.presence(), sess.Syncing); err != nil {
		if errors.Is(err, replica.ErrClosed) {
			return true, nil
		}
		return false, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}
	rm.sessions[sess.ID] = sess
	sess.mu.Lock()
	sess.replica = r
	sess.mu.Unlock()
	if err := sess.transition(StateLoading, StateAttached); err != nil {
		delete(rm.sessions, sess.ID)
		r.Detach(sess.ID)
		return false, err
	}
	m.greetLocked(rm, sess, r)
	return false, nil
}

// greetLocked sends the new session its identity and snapshot and tells every
// session about the new presence set.
func (m *Manager) greetLocked(rm *room, sess *Session, r *replica.Replica) {
	_ = sess.peer.SendText(AuthenticatedMessage{
		Type:      "authenticated",
		SessionID: sess.ID,
		UserID:    sess.Identity.UserID,
		Name:      sess.Identity.Name,
		ReadOnly:  sess.ReadOnly(),
	})
	m.sendSnapshotLocked(sess, r)
	m.broadcastPresenceLocked(rm, r)
	m.sendPendingSyncLocked(rm, r)
}

func (m *Manager) sendSnapshotLocked(sess *Session, r *replica.Replica) {
	content, version, err := r.Snapshot()
	if err != nil {
		glog.Errorf("snapshot %s for session %s: %v", r.ID(), sess.ID, err)
		_ = sess.peer.SendText(errorMessage(err))
		return
	}
	_ = sess.peer.SendText(SnapshotMessage{Type: "snapshot", DocumentID: r.ID(), Version: version, Content: content})
}

func (m *Manager) broadcastPresenceLocked(rm *room, r *replica.Replica) {
	msg := PresenceMessage{Type: "presence", DocumentID: r.ID(), Sessions: r.Members()}
	for _, other := range rm.sessions {
		_ = other.peer.SendText(msg)
	}
}

func (m *Manager) sendPendingSyncLocked(rm *room, r *replica.Replica) {
	for sessionID, msg := range r.PendingSync() {
		if other, ok := rm.sessions[sessionID]; ok {
			_ = other.peer.SendBinary(msg)
		}
	}
}

// load hydrates a replica from storage. It runs once per document no matter
// how many connections wait on it.
func (m *Manager) load(ctx context.Context, id string) (*replica.Replica, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
	defer cancel()

	raw, err := m.docs.Fetch(ctx, id)
	if errors.Is(err, documents.ErrNotFound) {
		raw = nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}

	doc, err := prosemirror.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDocumentUnavailable, id, err)
	}
	clean, removed := prosemirror.Sanitize(doc)
	if removed > 0 {
		glog.Warningf("document %s: dropped %d invalid fragments before load", id, removed)
	}
	r, err := replica.Load(id, clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}
	glog.V(1).Infof("loaded %s", id)
	return r, nil
}

// HandleText processes one text frame from an attached session. Recoverable
// errors are reported to the session and returned.
func (m *Manager) HandleText(ctx context.Context, sess *Session, raw []byte) error {
	msg, err := ParseClientMessage(raw)
	if err == nil {
		switch msg.Type {
		case FrameUpdate:
			err = m.Apply(ctx, sess, *msg.Op)
		case FrameSync:
			err = m.Resync(sess)
		case FrameAuth:
			// already authenticated
		}
	}
	if err != nil {
		_ = sess.peer.SendText(errorMessage(err))
	}
	return err
}

// HandleBinary processes one merge-engine sync message.
func (m *Manager) HandleBinary(ctx context.Context, sess *Session, data []byte) error {
	err := m.ReceiveSync(ctx, sess, data)
	if err != nil {
		_ = sess.peer.SendText(errorMessage(err))
	}
	return err
}

// Apply merges a block op from sess and relays it to the other sessions.
func (m *Manager) Apply(ctx context.Context, sess *Session, op replica.Op) error {
	r, attached := sess.attachedReplica()
	if !attached {
		return fmt.Errorf("%w: session is %s", ErrInvalidOperation, sess.State())
	}
	if sess.ReadOnly() {
		return fmt.Errorf("%w: %s may not edit %s", ErrForbidden, sess.Identity.UserID, sess.DocumentID)
	}

	version, err := m.applyInRoom(m.room(sess.DocumentID), sess, r, op)
	if err != nil {
		return err
	}
	glog.V(2).Infof("session %s applied %s to %s at version %d", sess.ID, op.Kind, r.ID(), version)
	m.scheduler.Touch(r)
	return nil
}

func (m *Manager) applyInRoom(rm *room, sess *Session, r *replica.Replica, op replica.Op) (uint64, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	version, rebased, err := r.Apply(sess.ID, op)
	if errors.Is(err, replica.ErrStaleBase) {
		// too far behind to merge; the client starts over from a snapshot
		m.sendSnapshotLocked(sess, r)
		return 0, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	if rebased {
		// other sessions replay relayed ops at their own head, which this op
		// was not made against
		for _, other := range rm.sessions {
			if !other.Syncing {
				m.sendSnapshotLocked(other, r)
			}
		}
	} else {
		update := UpdateMessage{Type: "update", Version: version, SessionID: sess.ID, Op: op}
		for id, other := range rm.sessions {
			if id == sess.ID {
				continue
			}
			_ = other.peer.SendText(update)
		}
		_ = sess.peer.SendText(AckMessage{Type: "ack", Version: version})
	}
	m.sendPendingSyncLocked(rm, r)
	return version, nil
}

// ReceiveSync feeds a merge-engine sync message from sess into its replica.
// Read-only sessions may sync as long as their messages carry no changes.
func (m *Manager) ReceiveSync(ctx context.Context, sess *Session, data []byte) error {
	r, attached := sess.attachedReplica()
	if !attached {
		return fmt.Errorf("%w: session is %s", ErrInvalidOperation, sess.State())
	}
	if !sess.Syncing {
		return fmt.Errorf("%w: session did not negotiate sync", ErrInvalidOperation)
	}
	if sess.ReadOnly() {
		changes, err := replica.CountSyncChanges(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		if changes > 0 {
			return fmt.Errorf("%w: %s may not edit %s", ErrForbidden, sess.Identity.UserID, sess.DocumentID)
		}
	}

	changed, err := m.syncInRoom(m.room(sess.DocumentID), sess, r, data)
	if err != nil {
		return err
	}
	if changed {
		m.scheduler.Touch(r)
	}
	return nil
}

func (m *Manager) syncInRoom(rm *room, sess *Session, r *replica.Replica, data []byte) (bool, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	changed, _, err := r.ReceiveSync(sess.ID, data)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if changed {
		// block-op clients cannot read sync messages, they get a new snapshot
		for _, other := range rm.sessions {
			if !other.Syncing {
				m.sendSnapshotLocked(other, r)
			}
		}
	}
	m.sendPendingSyncLocked(rm, r)
	return changed, nil
}

// Resync sends sess a fresh snapshot.
func (m *Manager) Resync(sess *Session) error {
	r, attached := sess.attachedReplica()
	if !attached {
		return fmt.Errorf("%w: session is %s", ErrInvalidOperation, sess.State())
	}
	rm := m.room(sess.DocumentID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	m.sendSnapshotLocked(sess, r)
	return nil
}

// Disconnect detaches sess. When it was the last session the replica is
// flushed right away and evicted once the flush is confirmed.
func (m *Manager) Disconnect(ctx context.Context, sess *Session) {
	if err := sess.transition(StateAttached, StateDetaching); err != nil {
		sess.abandon()
		return
	}
	r, _ := sess.attachedReplica()

	remaining := m.leave(m.room(sess.DocumentID), sess, r)

	if m.presence != nil {
		m.registry(func(ctx context.Context) error {
			return m.presence.Leave(ctx, sess.DocumentID, sess.ID)
		})
	}
	_ = sess.transition(StateDetaching, StateClosed)
	glog.Infof("session %s detached from %s, %d sessions left", sess.ID, r.ID(), remaining)

	if remaining > 0 {
		return
	}
	m.dropRoomIfEmpty(sess.DocumentID)
	if err := m.scheduler.FlushNow(ctx, r); err != nil {
		glog.Errorf("final flush of %s failed, keeping it resident: %v", r.ID(), err)
	}
}

// leave detaches sess from r and returns how many sessions remain.
func (m *Manager) leave(rm *room, sess *Session, r *replica.Replica) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.sessions, sess.ID)
	remaining := r.Detach(sess.ID)
	m.broadcastPresenceLocked(rm, r)
	return remaining
}

func (m *Manager) afterFlush(r *replica.Replica, err error) {
	if err != nil {
		return
	}
	if r.Sessions() == 0 {
		m.evict(r)
	}
}

// evict removes r when nobody is attached and nothing is unsaved.
func (m *Manager) evict(r *replica.Replica) bool {
	if !m.store.Remove(r) {
		return false
	}
	m.scheduler.Forget(r)
	m.dropRoomIfEmpty(r.ID())
	glog.Infof("evicted %s", r.ID())
	return true
}

func (m *Manager) room(id string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[id]
	if !ok {
		rm = &room{sessions: map[string]*Session{}}
		m.rooms[id] = rm
	}
	return rm
}

func (m *Manager) dropRoomIfEmpty(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[id]
	if !ok {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.sessions) == 0 {
		rm.gone = true
		delete(m.rooms, id)
	}
}

func (m *Manager) registry(call func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	if err := call(ctx); err != nil {
		glog.Warningf("presence registry: %v", err)
	}
}

// Presence lists the sessions attached to a document.
func (m *Manager) Presence(documentID string) []replica.Presence {
	r, ok := m.store.Get(documentID)
	if !ok {
		return []replica.Presence{}
	}
	return r.Members()
}

func (m *Manager) Replicas() []replica.Stats {
	replicas := m.store.List()
	stats := make([]replica.Stats, len(replicas))
	for i, r := range replicas {
		stats[i] = r.Stats()
	}
	return stats
}

// Flush forces a resident document to storage.
func (m *Manager) Flush(ctx context.Context, documentID string) error {
	r, ok := m.store.Get(documentID)
	if !ok {
		return fmt.Errorf("%w: %s is not open", ErrDocumentUnavailable, documentID)
	}
	return m.scheduler.FlushNow(ctx, r)
}

// Close flushes every dirty replica and closes all sessions.
func (m *Manager) Close(ctx context.Context) error {
	m.scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range m.store.List() {
		if !r.Dirty() {
			continue
		}
		r := r
		g.Go(func() error {
			return m.scheduler.FlushNow(gctx, r)
		})
	}
	err := g.Wait()

	m.mu.Lock()
	var sessions []*Session
	for _, rm := range m.rooms {
		rm.mu.Lock()
		for _, sess := range rm.sessions {
			sessions = append(sessions, sess)
		}
		rm.mu.Unlock()
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.peer.Close(CloseGoingAway, "server shutting down")
	}
	return err
}
