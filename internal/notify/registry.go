// Package notify tracks which conversations are visible in a UI and which
// have unseen new messages, turning sync summaries into per-conversation
// notification events. Platform notification delivery is the consumer's
// concern; this only decides what deserves one.
package notify

import (
	"context"
	"sync"

	"github.com/mkalil/smsync/internal/bus"
	"github.com/mkalil/smsync/internal/sms"
	smsync "github.com/mkalil/smsync/internal/sync"
	"go.uber.org/zap"
)

// Notification is the payload of notify.conversation events.
type Notification struct {
	Conversation sms.ConversationID
	// Pending is the number of unseen new messages accumulated for the
	// conversation.
	Pending int
	// Preview is the body of the newest unseen message.
	Preview string
}

// Registry tracks per-conversation visibility and pending notification
// counts. Visibility is refcounted: a conversation can be open in more
// than one view.
type Registry struct {
	mu      sync.Mutex
	visible map[sms.ConversationID]int
	pending map[sms.ConversationID]int
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		visible: make(map[sms.ConversationID]int),
		pending: make(map[sms.ConversationID]int),
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to sync summaries on the bus.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe(bus.KindSyncCompleted, 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				summary, ok := evt.Payload.(*smsync.Summary)
				if !ok {
					continue
				}
				r.record(summary)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the registry.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Registry) record(summary *smsync.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := make(map[sms.ConversationID]string)
	for _, m := range summary.NewUnread {
		conv := m.Conversation()
		if r.visible[conv] > 0 {
			// The user is looking at it; no notification.
			continue
		}
		r.pending[conv]++
		latest[conv] = m.Body
	}
	for conv, preview := range latest {
		r.bus.Publish(bus.KindNotifyConversation, Notification{
			Conversation: conv,
			Pending:      r.pending[conv],
			Preview:      preview,
		})
	}
}

// SetVisible marks a conversation as on-screen and clears its pending
// count.
func (r *Registry) SetVisible(conv sms.ConversationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible[conv]++
	delete(r.pending, conv)
}

// ClearVisible drops one visibility reference for a conversation.
func (r *Registry) ClearVisible(conv sms.ConversationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.visible[conv] > 1 {
		r.visible[conv]--
		return
	}
	delete(r.visible, conv)
}

// Pending returns the unseen new-message count for a conversation.
func (r *Registry) Pending(conv sms.ConversationID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[conv]
}

// Dismiss clears the pending count for a conversation without marking it
// visible.
func (r *Registry) Dismiss(conv sms.ConversationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, conv)
}
