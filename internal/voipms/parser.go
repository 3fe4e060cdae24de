package voipms

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mkalil/smsync/internal/sms"
)

// The API expresses every timestamp in US Eastern time; the timezone query
// parameter pins the server to the same offset it uses in responses.
const (
	serverTimezone      = "America/New_York"
	serverTimezoneParam = "-5"
	serverTimeLayout    = "2006-01-02 15:04:05"
)

var (
	locationOnce sync.Once
	location     *time.Location
)

// ServerLocation returns the timezone the API expresses timestamps in.
func ServerLocation() *time.Location {
	locationOnce.Do(func() {
		loc, err := time.LoadLocation(serverTimezone)
		if err != nil {
			loc = time.FixedZone("EST", -5*60*60)
		}
		location = loc
	})
	return location
}

// ParseRecord converts a wire record into a validated message. Incoming
// messages are unread and delivered; outgoing ones are delivered. The API
// appends a newline to message bodies, which is stripped here.
func ParseRecord(rec Record) (*sms.Message, error) {
	remoteID, err := strconv.ParseInt(rec.ID, 10, 64)
	if err != nil {
		return nil, &sms.ValidationError{Field: "id", Reason: "must be an integer"}
	}

	ts, err := time.ParseInLocation(serverTimeLayout, rec.Date, ServerLocation())
	if err != nil {
		return nil, &sms.ValidationError{Field: "date", Reason: "must match " + serverTimeLayout}
	}

	var direction sms.Direction
	switch rec.Type {
	case "0":
		direction = sms.Outgoing
	case "1":
		direction = sms.Incoming
	default:
		return nil, &sms.ValidationError{Field: "type", Reason: "must be 0 or 1"}
	}

	m := &sms.Message{
		RemoteID:  remoteID,
		Time:      ts,
		Direction: direction,
		DID:       rec.DID,
		Contact:   rec.Contact,
		Body:      strings.TrimRight(rec.Message, "\n"),
		Unread:    direction == sms.Incoming,
		Delivery:  sms.Delivered,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
