package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	// ErrHoldGone means the hold was already captured, cancelled or expired.
	ErrHoldGone = errors.New("payments: hold no longer open")

	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	ErrNotConfigured    = errors.New("payments: processor not configured")
)

const metaReservationID = "reservation_id"

// Checkout session and payment intent states this package reports.
const (
	CheckoutOpen     = "open"
	CheckoutComplete = "complete"
	CheckoutExpired  = "expired"

	IntentRequiresCapture = "requires_capture"
	IntentCanceled        = "canceled"
	IntentSucceeded       = "succeeded"
)

type HoldRequest struct {
	ReservationID  string
	ChargePointID  string
	ConnectorID    int
	Amount         int64
	Currency       string
	Description    string
	IdempotencyKey string
	ExpiresAt      time.Time
}

// Hold references an authorization hold. PaymentIntentID is empty until the
// customer completes checkout.
type Hold struct {
	CheckoutSessionID string
	CheckoutURL       string
	PaymentIntentID   string
}

type CheckoutStatus struct {
	SessionID       string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
	ReservationID   string
	AmountTotal     int64
}

type HoldStatus struct {
	PaymentIntentID  string
	Status           string
	Amount           int64
	AmountCapturable int64
	AmountReceived   int64
}

func (h HoldStatus) Capturable() bool {
	return h.Status == IntentRequiresCapture && h.AmountCapturable > 0
}

// WebhookEvent is a verified processor event reduced to what reservations
// need.
type WebhookEvent struct {
	ID              string
	Type            string
	SessionID       string
	PaymentIntentID string
	ReservationID   string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// StripeProcessor places holds as manual-capture payment intents created
// through Checkout sessions.
type StripeProcessor struct {
	cfg StripeConfig
}

func NewStripeProcessor(cfg StripeConfig) *StripeProcessor {
	stripe.Key = cfg.SecretKey
	return &StripeProcessor{cfg: cfg}
}

func (p *StripeProcessor) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	if p.cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("Charging at %s connector %d", req.ChargePointID, req.ConnectorID)
	}
	meta := map[string]string{
		metaReservationID: req.ReservationID,
		"charge_point_id": req.ChargePointID,
		"connector_id":    fmt.Sprint(req.ConnectorID),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(expandURL(p.cfg.SuccessURL, req.ReservationID)),
		CancelURL:         stripe.String(expandURL(p.cfg.CancelURL, req.ReservationID)),
		ClientReferenceID: stripe.String(req.ReservationID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(desc),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			Metadata:      meta,
		},
	}
	params.Metadata = meta
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	s, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	h := &Hold{CheckoutSessionID: s.ID, CheckoutURL: s.URL}
	if s.PaymentIntent != nil {
		h.PaymentIntentID = s.PaymentIntent.ID
	}
	return h, nil
}

func (p *StripeProcessor) GetCheckout(ctx context.Context, sessionID string) (*CheckoutStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := session.Get(sessionID, params)
	if err != nil {
		if isGone(err) {
			return nil, ErrHoldGone
		}
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	out := &CheckoutStatus{
		SessionID:     s.ID,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		ReservationID: s.ClientReferenceID,
		AmountTotal:   s.AmountTotal,
	}
	if out.ReservationID == "" {
		out.ReservationID = s.Metadata[metaReservationID]
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out, nil
}

func (p *StripeProcessor) GetHold(ctx context.Context, paymentIntentID string) (*HoldStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(paymentIntentID, params)
	if err != nil {
		if isGone(err) {
			return nil, ErrHoldGone
		}
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return &HoldStatus{
		PaymentIntentID:  pi.ID,
		Status:           string(pi.Status),
		Amount:           pi.Amount,
		AmountCapturable: pi.AmountCapturable,
		AmountReceived:   pi.AmountReceived,
	}, nil
}

// Capture captures amount from the hold and returns the captured total.
func (p *StripeProcessor) Capture(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (int64, error) {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := paymentintent.Capture(paymentIntentID, params)
	if err != nil {
		if isGone(err) {
			return 0, ErrHoldGone
		}
		return 0, fmt.Errorf("capture payment intent: %w", err)
	}
	return pi.AmountReceived, nil
}

// CancelHold releases the hold. A hold that never got a payment intent is
// released by expiring its checkout session. ErrHoldGone is returned when
// there was nothing left to release.
func (p *StripeProcessor) CancelHold(ctx context.Context, hold Hold) error {
	if hold.PaymentIntentID != "" {
		params := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
		}
		params.Context = ctx
		if _, err := paymentintent.Cancel(hold.PaymentIntentID, params); err != nil {
			if isGone(err) {
				return ErrHoldGone
			}
			return fmt.Errorf("cancel payment intent: %w", err)
		}
		return nil
	}
	if hold.CheckoutSessionID == "" {
		return ErrHoldGone
	}
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := session.Expire(hold.CheckoutSessionID, params); err != nil {
		if isGone(err) {
			return ErrHoldGone
		}
		return fmt.Errorf("expire checkout session: %w", err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if p.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(ev)
}

func decodeEvent(ev stripe.Event) (*WebhookEvent, error) {
	out := &WebhookEvent{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}
	switch {
	case strings.HasPrefix(out.Type, "checkout.session."):
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		out.SessionID = s.ID
		out.ReservationID = s.ClientReferenceID
		if out.ReservationID == "" {
			out.ReservationID = s.Metadata[metaReservationID]
		}
		if s.PaymentIntent != nil {
			out.PaymentIntentID = s.PaymentIntent.ID
		}
	case strings.HasPrefix(out.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.PaymentIntentID = pi.ID
		out.ReservationID = pi.Metadata[metaReservationID]
	}
	return out, nil
}

func isGone(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case stripe.ErrorCodeResourceMissing, stripe.ErrorCodePaymentIntentUnexpectedState:
		return true
	}
	return se.HTTPStatusCode == 404
}

// expandURL fills in {RESERVATION_ID}. Stripe itself fills in
// {CHECKOUT_SESSION_ID}.
func expandURL(tmpl, reservationID string) string {
	return strings.ReplaceAll(tmpl, "{RESERVATION_ID}", reservationID)
}
