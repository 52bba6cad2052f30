// Package replica holds the in-memory, mergeable copies of open documents and
// the registry that guarantees one authority per document id.
package replica

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"chronicle/collab/internal/prosemirror"
)

var (
	ErrClosed        = errors.New("replica closed")
	ErrUnknownMember = errors.New("session not attached")
)

// Presence is what other sessions see of an attached session.
type Presence struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar,omitempty"`
	ReadOnly  bool   `json:"readOnly"`
}

type member struct {
	presence Presence
	seq      uint64
	// nil for sessions that only speak block ops
	sync *automerge.SyncState
}

// heads of the merge document at one replica version
type versionHeads struct {
	version uint64
	heads   []automerge.ChangeHash
}

// Versions an op may be based on. Older bases are rejected as stale.
const baseHistory = 1024

type Replica struct {
	id string

	mu         sync.Mutex
	doc        *automerge.Doc
	members    map[string]*member
	joined     uint64
	version    uint64
	persisted  uint64
	history    []versionHeads
	dirtySince time.Time
	closed     bool
	loadedAt   time.Time

	// serializes flushes of this replica
	flushMu sync.Mutex
}

// Load builds a replica from a decoded document. The content is expected to
// be sanitized already.
func Load(id string, content prosemirror.Node) (*Replica, error) {
	root, blocks, err := prosemirror.Split(content)
	if err != nil {
		return nil, err
	}
	doc, err := newEngineDoc(root, blocks)
	if err != nil {
		return nil, fmt.Errorf("load replica %s: %w", id, err)
	}
	return newReplica(id, doc), nil
}

func newReplica(id string, doc *automerge.Doc) *Replica {
	r := &Replica{
		id:       id,
		doc:      doc,
		members:  map[string]*member{},
		loadedAt: time.Now(),
	}
	r.recordHeadsLocked()
	return r
}

func (r *Replica) ID() string {
	return r.id
}

// Content serializes the merged document.
func (r *Replica) Content() (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentLocked()
}

func (r *Replica) contentLocked() (json.RawMessage, error) {
	root, err := readRoot(r.doc)
	if err != nil {
		return nil, err
	}
	blocks, err := readBlocks(r.doc)
	if err != nil {
		return nil, err
	}
	return prosemirror.Join(root, blocks)
}

// Snapshot returns the content together with the version it reflects.
func (r *Replica) Snapshot() (json.RawMessage, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, err := r.contentLocked()
	return content, r.version, err
}

// Apply merges a block op from a session and returns the new version. The op
// is made on the document as it was at op.Base and merged back, so ops made
// concurrently against the same base give the same result in any arrival
// order. rebased reports that other edits landed after op.Base; clients that
// replay relayed ops cannot reproduce the merge and need a snapshot.
func (r *Replica) Apply(sessionID string, op Op) (version uint64, rebased bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false, ErrClosed
	}
	if op.Base == nil {
		return 0, false, fmt.Errorf("%w: op has no base version", ErrInvalidOp)
	}
	heads, ok := r.headsAtLocked(*op.Base)
	if !ok {
		return 0, false, fmt.Errorf("%w: version %d, replica is at %d", ErrStaleBase, *op.Base, r.version)
	}

	target := r.doc
	rebased = *op.Base != r.version
	if rebased {
		target, err = r.doc.Fork(heads...)
		if err != nil {
			return 0, false, fmt.Errorf("fork %s at version %d: %w", r.id, *op.Base, err)
		}
	}
	if err := target.SetActorID(opActor(sessionID, op)); err != nil {
		return 0, false, fmt.Errorf("set actor: %w", err)
	}
	if err := applyOp(target, op); err != nil {
		return 0, false, err
	}
	if rebased {
		if _, err := r.doc.Merge(target); err != nil {
			return 0, false, fmt.Errorf("merge %s into %s: %w", op.Kind, r.id, err)
		}
	}
	r.bumpLocked()
	return r.version, rebased, nil
}

// ReceiveSync feeds a merge-engine sync message from a session. changed
// reports whether the document moved.
func (r *Replica) ReceiveSync(sessionID string, msg []byte) (changed bool, version uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, 0, ErrClosed
	}
	m, ok := r.members[sessionID]
	if !ok || m.sync == nil {
		return false, 0, ErrUnknownMember
	}
	before := r.doc.Heads()
	if _, err := m.sync.ReceiveMessage(msg); err != nil {
		return false, r.version, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	if slices.Equal(before, r.doc.Heads()) {
		return false, r.version, nil
	}
	r.bumpLocked()
	return true, r.version, nil
}

// PendingSync returns the next sync message for every attached session that
// has something to receive.
func (r *Replica) PendingSync() map[string][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string][]byte{}
	for id, m := range r.members {
		if m.sync == nil {
			continue
		}
		if msg, ok := m.sync.GenerateMessage(); ok {
			out[id] = msg.Bytes()
		}
	}
	return out
}

func (r *Replica) bumpLocked() {
	if r.version == r.persisted {
		r.dirtySince = time.Now()
	}
	r.version++
	r.recordHeadsLocked()
}

func (r *Replica) recordHeadsLocked() {
	if len(r.history) == baseHistory {
		r.history = slices.Delete(r.history, 0, 1)
	}
	r.history = append(r.history, versionHeads{version: r.version, heads: r.doc.Heads()})
}

func (r *Replica) headsAtLocked(version uint64) ([]automerge.ChangeHash, bool) {
	i, found := slices.BinarySearchFunc(r.history, version, func(vh versionHeads, v uint64) int {
		return cmp.Compare(vh.version, v)
	})
	if !found {
		return nil, false
	}
	return r.history[i].heads, true
}

// CountSyncChanges decodes a sync message and reports how many changes it
// carries. The message is received by a scratch document, never a replica.
func CountSyncChanges(msg []byte) (int, error) {
	scratch := automerge.NewSyncState(automerge.New())
	decoded, err := scratch.ReceiveMessage(msg)
	if decoded == nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	// err here only means the scratch document could not take the changes
	return len(decoded.Changes()), nil
}

// Attach adds a session to the attached set. Sessions that exchange
// merge-engine sync messages get their own sync state.
func (r *Replica) Attach(p Presence, syncing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.joined++
	m := &member{presence: p, seq: r.joined}
	if syncing {
		m.sync = automerge.NewSyncState(r.doc)
	}
	r.members[p.SessionID] = m
	return nil
}

// Detach removes a session and returns how many remain.
func (r *Replica) Detach(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sessionID)
	return len(r.members)
}

// Members lists attached sessions in join order.
func (r *Replica) Members() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	out := make([]Presence, len(members))
	for i, m := range members {
		out[i] = m.presence
	}
	return out
}

func (r *Replica) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Replica) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Replica) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version != r.persisted
}

// DirtySince is the time of the first edit not yet persisted, or zero.
func (r *Replica) DirtySince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.version == r.persisted {
		return time.Time{}
	}
	return r.dirtySince
}

// MarkPersisted records that the content at version reached storage. Edits
// applied after that snapshot keep the replica dirty.
func (r *Replica) MarkPersisted(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.persisted {
		r.persisted = version
	}
	if r.persisted == r.version {
		r.dirtySince = time.Time{}
	} else {
		r.dirtySince = time.Now()
	}
}

func (r *Replica) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// closeIfIdle marks the replica closed when nobody is attached and nothing is
// waiting to be persisted.
func (r *Replica) closeIfIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	if len(r.members) > 0 || r.version != r.persisted {
		return false
	}
	r.closed = true
	return true
}

// LockFlush serializes flushes of this replica.
func (r *Replica) LockFlush() func() {
	r.flushMu.Lock()
	return r.flushMu.Unlock
}

type Stats struct {
	ID         string    `json:"id"`
	Sessions   int       `json:"sessions"`
	Version    uint64    `json:"version"`
	Persisted  uint64    `json:"persisted"`
	Dirty      bool      `json:"dirty"`
	DirtySince time.Time `json:"dirtySince,omitempty"`
	LoadedAt   time.Time `json:"loadedAt"`
}

func (r *Replica) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{
		ID:        r.id,
		Sessions:  len(r.members),
		Version:   r.version,
		Persisted: r.persisted,
		Dirty:     r.version != r.persisted,
		LoadedAt:  r.loadedAt,
	}
	if stats.Dirty {
		stats.DirtySince = r.dirtySince
	}
	return stats
}
