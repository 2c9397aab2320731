package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ocpphub/internal/config"
	"ocpphub/internal/models"
	"ocpphub/internal/ocpp"
	"ocpphub/internal/ocpp/ocpptest"
	"ocpphub/internal/payments"
	"ocpphub/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "t0ken"

type fakeChargers struct {
	services.ChargerStore
	chargers map[string]*models.Charger
}

func (f *fakeChargers) Get(_ context.Context, id string) (*models.Charger, error) {
	return f.chargers[id], nil
}

type fakeReservations struct {
	services.ReservationStore
}

func (fakeReservations) Get(context.Context, string) (*models.PaymentReservation, error) {
	return nil, nil
}

type fakeCommands struct {
	mu    sync.Mutex
	byKey map[string]*models.Command
	seq   int
}

func (f *fakeCommands) Create(_ context.Context, c models.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byKey[c.IdempotencyKey]; ok {
		return "", nil
	}
	f.seq++
	c.CommandId = fmt.Sprintf("cmd-%d", f.seq)
	f.byKey[c.IdempotencyKey] = &c
	return c.CommandId, nil
}

func (f *fakeCommands) GetByIdempotency(_ context.Context, key string) (*models.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byKey[key]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeCommands) ListByCharger(_ context.Context, cp string, _ int) ([]models.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Command
	for _, c := range f.byKey {
		if c.ChargePointId == cp {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCommands) set(id string, fn func(*models.Command)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byKey {
		if c.CommandId == id {
			fn(c)
		}
	}
	return nil
}

func (f *fakeCommands) MarkSent(_ context.Context, id string) error {
	return f.set(id, func(c *models.Command) { c.Status = "Sent" })
}

func (f *fakeCommands) MarkAcked(_ context.Context, id string, resp []byte) error {
	return f.set(id, func(c *models.Command) { c.Status = "Acked"; c.ResponseJSON = resp })
}

func (f *fakeCommands) MarkFailed(_ context.Context, id string, msg string) error {
	return f.set(id, func(c *models.Command) { c.Status = "Failed"; c.Error = &msg })
}

type fixture struct {
	srv      *Server
	handler  http.Handler
	registry *ocpp.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := ocpp.NewRegistry()
	chargers := &fakeChargers{chargers: map[string]*models.Charger{
		"CP1":     {ChargePointId: "CP1", IsActive: true, PaymentsEnabled: true},
		"CP-FREE": {ChargePointId: "CP-FREE", IsActive: true},
	}}
	resolver := services.NewResolver(registry, nil, nil, nil)
	commands := &fakeCommands{byKey: map[string]*models.Command{}}
	stripe := payments.NewStripeProcessor(payments.StripeConfig{WebhookSecret: "whsec_test"})
	reservations := &services.ReservationService{
		Chargers:     chargers,
		Reservations: fakeReservations{},
		Resolver:     resolver,
		Logger:       log,
	}
	srv := &Server{
		Cfg:          config.Config{APIToken: testToken, Currency: "eur"},
		Chargers:     chargers,
		CommandLog:   commands,
		Registry:     registry,
		Resolver:     resolver,
		Reservations: reservations,
		Commands: &services.CommandService{
			Conns:    registry,
			Commands: commands,
			Resolver: resolver,
			Logger:   log,
		},
		Webhooks: &services.WebhookProcessor{Parser: stripe, Service: reservations, Logger: log},
		Logger:   log,
	}
	return &fixture{srv: srv, handler: srv.Routes(), registry: registry}
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) connect(t *testing.T) *ocpptest.Charger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch := ocpptest.New(ctx, "CP1", ocpp.NewV16(nil), ocpptest.Accept,
		ocpp.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(ch.Close)
	f.registry.Register(ch.Conn)
	return ch
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerRequired(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/connections", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/connections", "", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/connections", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["count"])
}

func TestListConnections(t *testing.T) {
	f := newFixture(t)
	ch := f.connect(t)
	ch.Conn.SetConnectorStatus(1, ocpp.StatusAvailable, "", ch.Conn.ConnectedAt())

	rec := f.do(t, http.MethodGet, "/v1/connections", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count       int              `json:"count"`
		Connections []connectionView `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "CP1", body.Connections[0].ChargePointID)
	assert.Equal(t, ocpp.V16, body.Connections[0].OcppVersion)
	require.Len(t, body.Connections[0].Connectors, 1)
	assert.Equal(t, ocpp.StatusAvailable, body.Connections[0].Connectors[0].Status)
}

func TestStartabilityOffline(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/chargers/CP1/connectors/1/startability", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["startable"])
	assert.Equal(t, services.ReasonOffline, body["reason"])

	rec = f.do(t, http.MethodGet, "/v1/chargers/CP1/connectors/x/startability", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePaymentOutcomes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/chargers/CP-NOPE/connectors/1/payments", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(services.OutcomeNotFound), decode(t, rec)["outcome"])

	rec = f.do(t, http.MethodPost, "/v1/chargers/CP-FREE/connectors/1/payments", `{"chargeTag":"ABC"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, services.ReasonPaymentsDisabled, decode(t, rec)["reason"])

	rec = f.do(t, http.MethodPost, "/v1/chargers/CP1/connectors/1/payments", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(services.OutcomeOffline), body["outcome"])
	assert.Equal(t, services.ReasonOffline, body["reason"])

	rec = f.do(t, http.MethodPost, "/v1/chargers/CP1/connectors/1/payments", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownReservation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/payments/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, action := range []string{"confirm", "cancel", "start"} {
		rec = f.do(t, http.MethodPost, "/v1/payments/nope/"+action, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, action)
		assert.Equal(t, string(services.OutcomeNotFound), decode(t, rec)["outcome"], action)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/chargers/CP1/commands/reset", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(services.OutcomeOffline), decode(t, rec)["outcome"])

	ch := f.connect(t)

	rec = f.do(t, http.MethodPost, "/v1/chargers/CP1/commands/unlock", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	key := http.Header{"Idempotency-Key": {"k-1"}}
	rec = f.do(t, http.MethodPost, "/v1/chargers/CP1/commands/reset", `{"hard":true}`, key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode(t, rec)
	assert.Equal(t, ocpp.ResultAccepted, first["status"])
	require.Len(t, ch.Calls(), 1)
	assert.Equal(t, "Reset", ch.Calls()[0].Action)

	rec = f.do(t, http.MethodPost, "/v1/chargers/CP1/commands/reset", `{"hard":true}`, key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["commandId"], decode(t, rec)["commandId"])
	assert.Len(t, ch.Calls(), 1)

	rec = f.do(t, http.MethodGet, "/v1/chargers/CP1/commands", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var log []commandView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &log))
	require.Len(t, log, 1)
	assert.Equal(t, "reset", log[0].Type)
	assert.Equal(t, "Acked", log[0].Status)
	assert.JSONEq(t, `{"hard":true}`, string(log[0].Payload))
}

func TestStatusFor(t *testing.T) {
	cases := map[services.Outcome]int{
		services.OutcomeSuccess:        http.StatusOK,
		services.OutcomeOffline:        http.StatusNotFound,
		services.OutcomeNotFound:       http.StatusNotFound,
		services.OutcomeBusy:           http.StatusConflict,
		services.OutcomeRejected:       http.StatusConflict,
		services.OutcomeDisabled:       http.StatusBadRequest,
		services.OutcomeInvalid:        http.StatusBadRequest,
		services.OutcomeProcessorError: http.StatusInternalServerError,
	}
	for outcome, want := range cases {
		assert.Equal(t, want, statusFor(outcome), outcome)
	}
}
