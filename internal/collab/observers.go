package collab

import (
	"context"
	"encoding/json"
	"time"

	"chronicle/collab/internal/replica"
)

// FlushEvent describes a snapshot that reached storage.
type FlushEvent struct {
	ID         string
	DocumentID string
	Version    uint64
	Content    json.RawMessage
	Editors    []replica.Presence
	At         time.Time
}

// FailureEvent is raised once per streak of failed flush cycles.
type FailureEvent struct {
	DocumentID string
	Failures   int
	DirtySince time.Time
	Err        error
}

type FlushObserver interface {
	Flushed(ctx context.Context, event FlushEvent)
}

type FailureObserver interface {
	FlushFailing(ctx context.Context, event FailureEvent)
}

type FlushObserverFunc func(ctx context.Context, event FlushEvent)

func (f FlushObserverFunc) Flushed(ctx context.Context, event FlushEvent) {
	f(ctx, event)
}

type FailureObserverFunc func(ctx context.Context, event FailureEvent)

func (f FailureObserverFunc) FlushFailing(ctx context.Context, event FailureEvent) {
	f(ctx, event)
}

// PresenceRegistry mirrors attached sessions outside the process.
type PresenceRegistry interface {
	Join(ctx context.Context, documentID string, p replica.Presence) error
	Leave(ctx context.Context, documentID, sessionID string) error
}
