package acl

import (
	"context"
	"sync/atomic"

	"github.com/sfgrid-tech/sfgrid/audit"
	"github.com/sfgrid-tech/sfgrid/core/logger"
)

// Evaluator answers authorization questions against the current rule
// snapshot and records every decision in the audit trail.
//
// The evaluator holds the snapshot behind an atomic pointer. Authorize is
// wait-free with respect to Reload: a call in flight during a reload uses
// either the complete old or the complete new rule set.
type Evaluator struct {
	snapshot atomic.Pointer[Snapshot]
	trail    *audit.Trail
}

// NewEvaluator creates an evaluator with an initial snapshot. The trail is
// mandatory; authorization without an audit record is not supported.
func NewEvaluator(snapshot *Snapshot, trail *audit.Trail) *Evaluator {
	if snapshot == nil {
		panic("snapshot is missing")
	}
	if trail == nil {
		panic("audit trail is missing")
	}
	e := &Evaluator{trail: trail}
	e.snapshot.Store(snapshot)
	return e
}

// Authorize decides whether userID may perform action on the topic. The
// decision is deterministic for a fixed snapshot and is appended to the
// audit trail as a side effect.
func (e *Evaluator) Authorize(ctx context.Context, userID, topic string, action Action) Decision {
	decision := e.snapshot.Load().decide(userID, topic, action)
	e.trail.Append(ctx, audit.Event{
		Kind:    audit.KindAuthorization,
		UserID:  userID,
		Topic:   topic,
		Action:  string(action),
		Allowed: decision.Allowed,
		Reason:  string(decision.Reason),
	})
	return decision
}

// Reload atomically replaces the rule snapshot.
func (e *Evaluator) Reload(ctx context.Context, snapshot *Snapshot) {
	if snapshot == nil {
		panic("snapshot is missing")
	}
	e.snapshot.Store(snapshot)
	logger.FromContext(ctx).Infof("acl: reloaded rule set version %q, %d users",
		snapshot.Version(), snapshot.UserCount())
}

// ReloadConfig parses serialized configuration and swaps it in.
func (e *Evaluator) ReloadConfig(ctx context.Context, data []byte) error {
	config, err := ParseConfig(data)
	if err != nil {
		return err
	}
	e.Reload(ctx, NewSnapshot(config))
	return nil
}

// Current returns the rule snapshot in use.
func (e *Evaluator) Current() *Snapshot {
	return e.snapshot.Load()
}
