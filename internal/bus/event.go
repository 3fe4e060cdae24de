package bus

import "time"

// Event kinds published by the core. Subscribers filter by prefix, so
// "sync." matches every synchronization event.
const (
	KindSyncStarted      = "sync.started"
	KindSyncCompleted    = "sync.completed"
	KindSyncFailed       = "sync.failed"
	KindSyncStateChanged = "sync.state_changed"

	KindMessageCreated    = "message.created"
	KindMessageSubmitted  = "message.submitted"
	KindMessageSendFailed = "message.send_failed"
	KindStoreChanged      = "message.store_changed"

	KindNotifyConversation = "notify.conversation"
)

// Event is a domain event delivered to subscribers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
