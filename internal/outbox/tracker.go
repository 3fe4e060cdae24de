// Package outbox gives locally composed messages an immediate provisional
// representation and tracks them until the provider confirms or rejects
// the submission.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkalil/smsync/internal/bus"
	"github.com/mkalil/smsync/internal/sms"
	"github.com/mkalil/smsync/internal/store"
	"go.uber.org/zap"
)

// Submitter is the interface for handing a message body to the provider.
type Submitter interface {
	SendSMS(ctx context.Context, did, dst, body string) error
}

// Tracker inserts provisional rows for outgoing messages and submits them
// to the provider in the background. There is no automatic retry: a failed
// submission stays visible as a failed row until the user retries or
// deletes it.
type Tracker struct {
	db        *store.DB
	submitter Submitter
	bus       *bus.Bus
	logger    *zap.Logger
	queue     chan int64
	cancel    context.CancelFunc
	now       func() time.Time
}

// NewTracker creates an outbound delivery tracker.
func NewTracker(db *store.DB, submitter Submitter, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		db:        db,
		submitter: submitter,
		bus:       b,
		logger:    logger,
		queue:     make(chan int64, 256),
		now:       time.Now,
	}
}

// Start fails over any sends interrupted by a previous shutdown, then
// begins draining the submission queue.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	failed, err := t.db.FailPendingSends()
	if err != nil {
		t.logger.Error("failed to recover interrupted sends", zap.Error(err))
	} else if failed > 0 {
		t.logger.Warn("marked interrupted sends as failed", zap.Int64("count", failed))
	}

	go t.loop(ctx)
}

// Stop stops the submission loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Send creates a provisional in-flight message, queues its submission, and
// returns the local identifier so the UI can display the row immediately.
// The submission outcome is reported on the bus.
func (t *Tracker) Send(ctx context.Context, did, contact, body string) (int64, error) {
	m, err := sms.NewOutgoing(did, contact, body, t.now())
	if err != nil {
		return 0, err
	}
	m.ClientRef = uuid.NewString()

	inserted, err := t.db.InsertMessage(m)
	if err != nil {
		return 0, err
	}
	t.bus.Publish(bus.KindMessageCreated, inserted)
	t.enqueue(ctx, inserted.ID)
	return inserted.ID, nil
}

// SendDraft promotes a conversation's draft to an in-flight send, keeping
// its local identifier, and queues its submission.
func (t *Tracker) SendDraft(ctx context.Context, did, contact string) (int64, error) {
	draft, err := t.db.Draft(did, contact)
	if err != nil {
		return 0, err
	}
	if draft == nil {
		return 0, fmt.Errorf("no draft for conversation %s/%s", did, contact)
	}

	draft.Delivery = sms.Pending
	draft.Time = t.now()
	if draft.ClientRef == "" {
		draft.ClientRef = uuid.NewString()
	}
	if err := t.db.UpdateMessage(draft); err != nil {
		return 0, err
	}
	t.bus.Publish(bus.KindMessageCreated, draft)
	t.enqueue(ctx, draft.ID)
	return draft.ID, nil
}

// Retry re-queues a terminally failed send.
func (t *Tracker) Retry(ctx context.Context, id int64) error {
	m, err := t.db.GetMessage(id)
	if err != nil {
		return err
	}
	if m.Direction != sms.Outgoing || m.Delivery != sms.Failed {
		return fmt.Errorf("message %d is not a failed send", id)
	}
	m.Delivery = sms.Pending
	if err := t.db.UpdateMessage(m); err != nil {
		return err
	}
	t.enqueue(ctx, id)
	return nil
}

func (t *Tracker) enqueue(ctx context.Context, id int64) {
	select {
	case t.queue <- id:
	case <-ctx.Done():
	}
}

func (t *Tracker) loop(ctx context.Context) {
	for {
		select {
		case id := <-t.queue:
			t.submit(ctx, id)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) submit(ctx context.Context, id int64) {
	m, err := t.db.GetMessage(id)
	if err != nil {
		t.logger.Error("failed to load queued send", zap.Int64("id", id), zap.Error(err))
		return
	}
	if m.Delivery != sms.Pending {
		return
	}

	if err := t.submitter.SendSMS(ctx, m.DID, m.Contact, m.Body); err != nil {
		t.logger.Error("send failed",
			zap.Int64("id", id),
			zap.String("client_ref", m.ClientRef),
			zap.Error(err))
		m.Delivery = sms.Failed
		if uerr := t.db.UpdateMessage(m); uerr != nil {
			t.logger.Error("failed to mark send failed", zap.Int64("id", id), zap.Error(uerr))
		}
		t.bus.Publish(bus.KindMessageSendFailed, SendFailure{Message: m, Err: err})
		return
	}

	// The row stays pending until the next sync collapses it into the
	// server-acknowledged copy.
	t.logger.Info("message submitted",
		zap.Int64("id", id),
		zap.String("client_ref", m.ClientRef))
	t.bus.Publish(bus.KindMessageSubmitted, m)
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	Message *sms.Message
	Err     error
}
