package core

import (
	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/clock"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
)

// AccessPolicy decides which recorded users a viewer may see.
type AccessPolicy interface {
	CanView(viewer schema.UserID, recordedUser string) bool
}

// AccessPolicyFunc adapts a function to AccessPolicy.
type AccessPolicyFunc func(viewer schema.UserID, recordedUser string) bool

// CanView implements AccessPolicy.
func (f AccessPolicyFunc) CanView(viewer schema.UserID, recordedUser string) bool {
	return f(viewer, recordedUser)
}

// ServiceDeps captures the dependencies of the core service.
type ServiceDeps struct {
	Journal   journal.Journal
	Index     *RecordingIndex
	Access    AccessPolicy
	EventSink EventSink
	Clock     clock.Clock
	Logger    pslog.Logger
}
