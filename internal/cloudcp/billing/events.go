package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/navalha/navalha/internal/cloudcp/gateway"
)

// EventType is the gateway's webhook event name.
type EventType string

const (
	EventPaymentConfirmed         EventType = "PAYMENT_CONFIRMED"
	EventPaymentReceived          EventType = "PAYMENT_RECEIVED"
	EventPaymentOverdue           EventType = "PAYMENT_OVERDUE"
	EventPaymentCardRefused       EventType = "PAYMENT_CREDIT_CARD_CAPTURE_REFUSED"
	EventPaymentDeleted           EventType = "PAYMENT_DELETED"
	EventPaymentRefunded          EventType = "PAYMENT_REFUNDED"
	EventPaymentPartiallyRefunded EventType = "PAYMENT_PARTIALLY_REFUNDED"
	EventPaymentCreated           EventType = "PAYMENT_CREATED"
	EventPaymentUpdated           EventType = "PAYMENT_UPDATED"
	EventPaymentBankSlipViewed    EventType = "PAYMENT_BANK_SLIP_VIEWED"
	EventPaymentCheckoutViewed    EventType = "PAYMENT_CHECKOUT_VIEWED"
)

// EventKind classifies an event by its effect on a subscription.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindPaid
	KindOverdue
	KindCardRefused
	KindReversed
	KindInformational
)

func (k EventKind) String() string {
	switch k {
	case KindPaid:
		return "paid"
	case KindOverdue:
		return "overdue"
	case KindCardRefused:
		return "card_refused"
	case KindReversed:
		return "reversed"
	case KindInformational:
		return "informational"
	default:
		return "unknown"
	}
}

var eventKinds = map[EventType]EventKind{
	EventPaymentConfirmed:         KindPaid,
	EventPaymentReceived:          KindPaid,
	EventPaymentOverdue:           KindOverdue,
	EventPaymentCardRefused:       KindCardRefused,
	EventPaymentDeleted:           KindReversed,
	EventPaymentRefunded:          KindReversed,
	EventPaymentPartiallyRefunded: KindReversed,
	EventPaymentCreated:           KindInformational,
	EventPaymentUpdated:           KindInformational,
	EventPaymentBankSlipViewed:    KindInformational,
	EventPaymentCheckoutViewed:    KindInformational,
}

// KindOf returns the kind of t, KindUnknown for unrecognized names.
func KindOf(t EventType) EventKind {
	return eventKinds[t]
}

// ErrMalformedEvent is returned by DecodeEvent for bodies that cannot be applied.
var ErrMalformedEvent = errors.New("malformed webhook event")

// PaymentPayload is the payment object carried by payment events.
type PaymentPayload struct {
	ID                string                `json:"id"`
	Customer          string                `json:"customer"`
	Subscription      string                `json:"subscription"`
	ExternalReference string                `json:"externalReference"`
	Value             gateway.Money         `json:"value"`
	DueDate           gateway.Date          `json:"dueDate"`
	Status            gateway.PaymentStatus `json:"status"`
	BillingType       gateway.BillingType   `json:"billingType"`
}

// Event is a decoded, classified webhook notification.
type Event struct {
	ID      string
	Type    EventType
	Kind    EventKind
	Payment PaymentPayload
	Raw     []byte
}

type wireEvent struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Payment *PaymentPayload `json:"payment"`
}

// DecodeEvent parses a webhook body. Known payment events must carry a
// payment object and an identifier; unknown event names decode with
// KindUnknown so the caller can acknowledge and drop them.
func DecodeEvent(body []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	name := strings.ToUpper(strings.TrimSpace(w.Event))
	if name == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}

	ev := &Event{
		Type: EventType(name),
		Kind: KindOf(EventType(name)),
		Raw:  body,
	}
	if w.Payment != nil {
		ev.Payment = *w.Payment
		ev.Payment.ExternalReference = strings.TrimSpace(ev.Payment.ExternalReference)
	}
	ev.ID = strings.TrimSpace(w.ID)
	if ev.ID == "" {
		ev.ID = strings.TrimSpace(ev.Payment.ID)
	}

	if ev.Kind == KindUnknown {
		return ev, nil
	}
	if w.Payment == nil {
		return nil, fmt.Errorf("%w: %s without payment object", ErrMalformedEvent, name)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: %s without event or payment id", ErrMalformedEvent, name)
	}
	return ev, nil
}
