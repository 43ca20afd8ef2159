package email

import (
	"context"
	"fmt"
	"strings"
)

// Notifier renders and sends the lifecycle emails of a subscription.
type Notifier struct {
	sender  Sender
	from    string
	baseURL string
}

// NewNotifier creates a Notifier. baseURL is the public control-plane URL.
func NewNotifier(sender Sender, from, baseURL string) *Notifier {
	return &Notifier{
		sender:  sender,
		from:    strings.TrimSpace(from),
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

// SendWelcome tells a new tenant its subscription is active.
func (n *Notifier) SendWelcome(ctx context.Context, to string, data WelcomeData) error {
	if n == nil || n.sender == nil {
		return fmt.Errorf("email notifier not configured")
	}
	if data.LoginURL == "" {
		data.LoginURL = n.baseURL + "/login"
	}
	html, text, err := RenderWelcomeEmail(data)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, Message{
		From:    n.from,
		To:      to,
		Subject: "Sua barbearia está ativa",
		HTML:    html,
		Text:    text,
		Tag:     "welcome",
	})
}

// SendAwaitingPayment sends the transfer code to a deferred signup.
func (n *Notifier) SendAwaitingPayment(ctx context.Context, to string, data AwaitingPaymentData) error {
	if n == nil || n.sender == nil {
		return fmt.Errorf("email notifier not configured")
	}
	html, text, err := RenderAwaitingPaymentEmail(data)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, Message{
		From:    n.from,
		To:      to,
		Subject: "Aguardando pagamento",
		HTML:    html,
		Text:    text,
		Tag:     "awaiting_payment",
	})
}
