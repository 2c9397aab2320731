package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"ocpphub/internal/models"
	"ocpphub/internal/ocpp"
	"ocpphub/internal/ocpp/ocpptest"
	"ocpphub/internal/payments"
	"ocpphub/internal/repo"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memChargers struct {
	mu       sync.Mutex
	chargers map[string]*models.Charger
}

func newMemChargers(chargers ...models.Charger) *memChargers {
	m := &memChargers{chargers: map[string]*models.Charger{}}
	for i := range chargers {
		c := chargers[i]
		m.chargers[c.ChargePointId] = &c
	}
	return m
}

func (m *memChargers) Get(_ context.Context, id string) (*models.Charger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chargers[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memChargers) RecordBoot(_ context.Context, id, vendor, model, version string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chargers[id]
	if !ok {
		c = &models.Charger{ChargePointId: id, IsActive: true}
		m.chargers[id] = c
	}
	c.Vendor, c.Model, c.OcppVersion = vendor, model, version
	c.LastSeenAt = &at
	return nil
}

func (m *memChargers) TouchLastSeen(_ context.Context, id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chargers[id]; ok {
		c.LastSeenAt = &t
	}
	return nil
}

type memTariffs struct {
	tariffs map[string]models.Tariff
}

func (m *memTariffs) GetActiveForCharger(_ context.Context, cp string) (*models.Tariff, error) {
	t, ok := m.tariffs[cp]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

type memState struct {
	mu    sync.Mutex
	conns map[string]models.ConnectorState
}

func newMemState() *memState { return &memState{conns: map[string]models.ConnectorState{}} }

func stateKey(cp string, connector int) string { return fmt.Sprintf("%s/%d", cp, connector) }

func (m *memState) UpsertConnector(_ context.Context, st models.ConnectorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.conns[stateKey(st.ChargePointId, st.ConnectorId)]
	st.MeterWh, st.MeterAt = prev.MeterWh, prev.MeterAt
	m.conns[stateKey(st.ChargePointId, st.ConnectorId)] = st
	return nil
}

func (m *memState) UpdateMeter(_ context.Context, cp string, connector int, wh float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conns[stateKey(cp, connector)]
	if !ok {
		return nil
	}
	st.MeterWh, st.MeterAt = &wh, &at
	m.conns[stateKey(cp, connector)] = st
	return nil
}

func (m *memState) GetConnector(_ context.Context, cp string, connector int) (*models.ConnectorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conns[stateKey(cp, connector)]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

type memTransactions struct {
	mu     sync.Mutex
	nextID int64
	txs    map[int64]*models.Transaction
}

func newMemTransactions() *memTransactions {
	return &memTransactions{nextID: 1000, txs: map[int64]*models.Transaction{}}
}

func (m *memTransactions) Start(_ context.Context, t models.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.TransactionId = m.nextID
	if t.DeviceTxId == "" {
		t.DeviceTxId = fmt.Sprint(t.TransactionId)
	}
	m.txs[t.TransactionId] = &t
	return t.TransactionId, nil
}

func (m *memTransactions) Get(_ context.Context, id int64) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memTransactions) FindByDevice(_ context.Context, cp, deviceTxID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.ChargePointId == cp && t.DeviceTxId == deviceTxID {
			c := *t
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memTransactions) FindOpenByConnector(_ context.Context, cp string, connector int) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.ChargePointId == cp && t.ConnectorId == connector && t.IsOpen() {
			c := *t
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memTransactions) SetStartTag(_ context.Context, id int64, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok {
		t.StartTag = tag
	}
	return nil
}

func (m *memTransactions) UpdateLastMeter(_ context.Context, id int64, wh float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok {
		t.MeterLastWh = &wh
	}
	return nil
}

func (m *memTransactions) Stop(_ context.Context, id int64, stoppedAt time.Time, meterStop *float64, stopTag, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || !t.IsOpen() {
		return false, nil
	}
	t.StoppedAt, t.MeterStopWh, t.StopTag, t.StopReason = &stoppedAt, meterStop, stopTag, reason
	return true, nil
}

func (m *memTransactions) SetFinancials(_ context.Context, id int64, f models.Financials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok {
		t.Financials = &f
	}
	return nil
}

// memReservations mirrors the database rules: one active reservation per
// connector and guarded transitions.
type memReservations struct {
	mu         sync.Mutex
	rows       map[string]*models.PaymentReservation
	seq        int
	now        func() time.Time
	setHoldErr error
}

func newMemReservations() *memReservations {
	return &memReservations{rows: map[string]*models.PaymentReservation{}, now: time.Now}
}

func (m *memReservations) put(res models.PaymentReservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = m.now()
	}
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = res.CreatedAt
	}
	m.rows[res.ReservationId] = &res
}

func (m *memReservations) Create(_ context.Context, res models.PaymentReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ChargePointId == res.ChargePointId && r.ConnectorId == res.ConnectorId && r.Status.IsActive() {
			return repo.ErrActiveReservationExists
		}
	}
	m.seq++
	res.CreatedAt = m.now().Add(time.Duration(m.seq) * time.Microsecond)
	res.UpdatedAt = res.CreatedAt
	m.rows[res.ReservationId] = &res
	return nil
}

func (m *memReservations) first(match func(*models.PaymentReservation) bool) *models.PaymentReservation {
	var hits []*models.PaymentReservation
	for _, r := range m.rows {
		if match(r) {
			hits = append(hits, r)
		}
	}
	if len(hits) == 0 {
		return nil
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.After(hits[j].CreatedAt) })
	c := *hits[0]
	return &c
}

func (m *memReservations) Get(_ context.Context, id string) (*models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first(func(r *models.PaymentReservation) bool { return r.ReservationId == id }), nil
}

func (m *memReservations) GetByCheckoutSession(_ context.Context, id string) (*models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first(func(r *models.PaymentReservation) bool { return r.CheckoutSessionId == id }), nil
}

func (m *memReservations) GetByPaymentIntent(_ context.Context, id string) (*models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first(func(r *models.PaymentReservation) bool { return r.PaymentIntentId == id }), nil
}

func (m *memReservations) GetByTransaction(_ context.Context, txID int64) (*models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first(func(r *models.PaymentReservation) bool { return r.TransactionId != nil && *r.TransactionId == txID }), nil
}

func (m *memReservations) FindActiveForConnector(_ context.Context, cp string, connector int, excludeID string) (*models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first(func(r *models.PaymentReservation) bool {
		return r.ChargePointId == cp && r.ConnectorId == connector && r.ReservationId != excludeID && r.Status.IsActive()
	}), nil
}

func (m *memReservations) FindLinkCandidate(_ context.Context, cp string, connector int, tag string) (*models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first(func(r *models.PaymentReservation) bool {
		return r.ChargePointId == cp && r.ConnectorId == connector && NormalizeTag(r.ChargeTag) == tag &&
			statusIn(r.Status, models.PreChargingStatuses)
	}), nil
}

func (m *memReservations) SetHold(_ context.Context, id, sessionID, url, pi string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setHoldErr != nil {
		return m.setHoldErr
	}
	r, ok := m.rows[id]
	if !ok {
		return errors.New("no reservation")
	}
	r.CheckoutSessionId, r.CheckoutURL, r.PaymentIntentId = sessionID, url, pi
	return nil
}

func (m *memReservations) Transition(_ context.Context, id string, from []models.ReservationStatus, to models.ReservationStatus, t repo.Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || !statusIn(r.Status, from) {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = m.now()
	if t.AuthorizedAmount != nil {
		r.AuthorizedAmount = t.AuthorizedAmount
	}
	if t.CapturedAmount != nil {
		r.CapturedAmount = t.CapturedAmount
	}
	if t.PaymentIntentId != "" {
		r.PaymentIntentId = t.PaymentIntentId
	}
	if t.TransactionId != nil {
		r.TransactionId = t.TransactionId
	}
	if t.FailureCode != nil {
		r.FailureCode = t.FailureCode
	}
	if t.FailureMessage != nil {
		r.FailureMessage = t.FailureMessage
	}
	if t.StartDeadline != nil {
		r.StartDeadline = t.StartDeadline
	}
	return true, nil
}

func (m *memReservations) ListStale(_ context.Context, statuses []models.ReservationStatus, before time.Time) ([]models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PaymentReservation
	for _, r := range m.rows {
		if statusIn(r.Status, statuses) && r.UpdatedAt.Before(before) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memReservations) ListStartExpired(_ context.Context, now time.Time) ([]models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PaymentReservation
	for _, r := range m.rows {
		if r.Status == models.ReservationAuthorized && r.StartDeadline != nil && r.StartDeadline.Before(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memReservations) ListFailedWithCode(_ context.Context, code string) ([]models.PaymentReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PaymentReservation
	for _, r := range m.rows {
		if r.Status == models.ReservationFailed && r.FailureCode != nil && *r.FailureCode == code {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memReservations) activeCount(cp string, connector int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.ChargePointId == cp && r.ConnectorId == connector && r.Status.IsActive() {
			n++
		}
	}
	return n
}

func statusIn(s models.ReservationStatus, set []models.ReservationStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

type memEvents struct {
	mu       sync.Mutex
	raw      []string
	webhooks map[string]models.WebhookEvent
}

func newMemEvents() *memEvents { return &memEvents{webhooks: map[string]models.WebhookEvent{}} }

func (m *memEvents) InsertRaw(_ context.Context, _ string, eventType string, _ time.Time, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(m.raw, eventType)
	return nil
}

func (m *memEvents) RecordWebhook(_ context.Context, ev models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[ev.EventId]; ok {
		return false, nil
	}
	m.webhooks[ev.EventId] = ev
	return true, nil
}

func (m *memEvents) ForgetWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
	return nil
}

type memCommands struct {
	mu   sync.Mutex
	seq  int
	rows map[string]*models.Command
}

func newMemCommands() *memCommands { return &memCommands{rows: map[string]*models.Command{}} }

func (m *memCommands) Create(_ context.Context, c models.Command) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.IdempotencyKey == c.IdempotencyKey {
			return "", nil
		}
	}
	m.seq++
	c.CommandId = fmt.Sprintf("cmd-%d", m.seq)
	m.rows[c.CommandId] = &c
	return c.CommandId, nil
}

func (m *memCommands) GetByIdempotency(_ context.Context, idem string) (*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.IdempotencyKey == idem {
			c := *r
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memCommands) set(id string, f func(*models.Command)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return errors.New("no command")
	}
	f(r)
	return nil
}

func (m *memCommands) MarkSent(_ context.Context, id string) error {
	return m.set(id, func(c *models.Command) { c.Status = repo.CommandSent })
}

func (m *memCommands) MarkAcked(_ context.Context, id string, response []byte) error {
	return m.set(id, func(c *models.Command) { c.Status, c.ResponseJSON = repo.CommandAcked, response })
}

func (m *memCommands) MarkFailed(_ context.Context, id string, msg string) error {
	return m.set(id, func(c *models.Command) { c.Status, c.Error = repo.CommandFailed, &msg })
}

// fakeProcessor records hold operations.
type fakeProcessor struct {
	mu         sync.Mutex
	created    []payments.HoldRequest
	cancelled  []payments.Hold
	captures   []int64
	createErr  error
	captureErr error
	cancelErr  error
	checkout   payments.CheckoutStatus
	hold       payments.HoldStatus
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		checkout: payments.CheckoutStatus{Status: payments.CheckoutComplete, PaymentIntentID: "pi_1"},
		hold:     payments.HoldStatus{PaymentIntentID: "pi_1", Status: payments.IntentRequiresCapture, AmountCapturable: 5000},
	}
}

func (f *fakeProcessor) CreateHold(_ context.Context, req payments.HoldRequest) (*payments.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &payments.Hold{
		CheckoutSessionID: "cs_" + req.ReservationID,
		CheckoutURL:       "https://checkout.test/" + req.ReservationID,
	}, nil
}

func (f *fakeProcessor) GetCheckout(_ context.Context, sessionID string) (*payments.CheckoutStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.checkout
	c.SessionID = sessionID
	return &c, nil
}

func (f *fakeProcessor) GetHold(_ context.Context, _ string) (*payments.HoldStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hold
	return &h, nil
}

func (f *fakeProcessor) Capture(_ context.Context, _ string, amount int64, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return 0, f.captureErr
	}
	f.captures = append(f.captures, amount)
	return amount, nil
}

func (f *fakeProcessor) CancelHold(_ context.Context, hold payments.Hold) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, hold)
	return f.cancelErr
}

func (f *fakeProcessor) failCancel(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelErr = err
}

func (f *fakeProcessor) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

type nopSink struct{}

func (nopSink) Boot(context.Context, string, ocpp.Version, ocpp.BootInfo) error { return nil }
func (nopSink) Heartbeat(context.Context, string, time.Time) error              { return nil }
func (nopSink) StatusChanged(context.Context, string, ocpp.StatusEvent) error   { return nil }
func (nopSink) MeterValues(context.Context, string, ocpp.MeterReading) error    { return nil }
func (nopSink) TransactionStarted(context.Context, string, ocpp.TransactionStart) (int64, error) {
	return 1, nil
}
func (nopSink) TransactionStopped(context.Context, string, ocpp.TransactionStop) error { return nil }

// harness wires the services over in-memory stores.
type harness struct {
	chargers     *memChargers
	tariffs      *memTariffs
	state        *memState
	transactions *memTransactions
	reservations *memReservations
	events       *memEvents
	commands     *memCommands
	processor    *fakeProcessor
	registry     *ocpp.Registry

	resolver     *Resolver
	holds        *HoldKeeper
	starter      *Orchestrator
	service      *ReservationService
	eventsProc   *EventsProcessor
	sweeper      *Sweeper
	commandsSvc  *CommandService
	webhooksProc *WebhookProcessor
}

const testCP = "CP1"

func scenarioTariff() models.Tariff {
	return models.Tariff{
		ChargePointId:       testCP,
		Currency:            "eur",
		PricePerKwh:         0.30,
		UsageFeePerMinute:   0.20,
		UsageFeeFreeMinutes: 0,
		UsageFeeMaxMinutes:  120,
		SessionFee:          0.50,
		CommissionPercent:   10,
		MaxHoldKwh:          40,
		IsActive:            true,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		chargers:     newMemChargers(models.Charger{ChargePointId: testCP, IsActive: true, PaymentsEnabled: true}),
		tariffs:      &memTariffs{tariffs: map[string]models.Tariff{testCP: scenarioTariff()}},
		state:        newMemState(),
		transactions: newMemTransactions(),
		reservations: newMemReservations(),
		events:       newMemEvents(),
		commands:     newMemCommands(),
		processor:    newFakeProcessor(),
		registry:     ocpp.NewRegistry(),
	}
	logger := discardLogger()
	h.resolver = NewResolver(h.registry, h.transactions, h.reservations, h.state)
	h.holds = NewHoldKeeper(h.processor, h.reservations, logger)
	h.starter = &Orchestrator{
		Conns:         h.registry,
		Resolver:      h.resolver,
		Reservations:  h.reservations,
		Holds:         h.holds,
		UseReserveNow: true,
		StartWindow:   5 * time.Minute,
		Logger:        logger,
	}
	h.service = &ReservationService{
		Chargers:     h.chargers,
		Tariffs:      h.tariffs,
		Reservations: h.reservations,
		Transactions: h.transactions,
		Processor:    h.processor,
		Resolver:     h.resolver,
		Holds:        h.holds,
		Starter:      h.starter,
		Config: ReservationConfig{
			Currency:         "eur",
			DefaultChargeTag: "WEBPAY",
			Limits:           HoldLimits{Kwh: 60, Minutes: 240},
			StartWindow:      5 * time.Minute,
		},
		Logger: logger,
	}
	h.eventsProc = &EventsProcessor{
		Events:       h.events,
		Chargers:     h.chargers,
		State:        h.state,
		Transactions: h.transactions,
		Tariffs:      h.tariffs,
		Reservations: h.reservations,
		Hooks:        h.service,
		Logger:       logger,
	}
	h.sweeper = &Sweeper{
		Reservations:   h.reservations,
		Holds:          h.holds,
		Interval:       time.Hour,
		PendingTimeout: 20 * time.Minute,
		Logger:         logger,
	}
	h.commandsSvc = &CommandService{
		Conns:            h.registry,
		Commands:         h.commands,
		Resolver:         h.resolver,
		DefaultChargeTag: "WEBPAY",
		Logger:           logger,
	}
	return h
}

// connect registers a simulated charge point speaking d. The events
// processor receives its device events.
func (h *harness) connect(t *testing.T, version ocpp.Version, respond ocpptest.Responder) *ocpptest.Charger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d := ocpp.Dispatchers(h.eventsProc)[version]
	ch := ocpptest.New(ctx, testCP, d, respond, ocpp.WithLogger(discardLogger()), ocpp.WithCallTimeout(time.Second))
	t.Cleanup(ch.Close)
	if old := h.registry.Register(ch.Conn); old != nil {
		old.Close()
	}
	return ch
}

// authorized stores a reservation ready to be started.
func (h *harness) authorized(id string, connector int) *models.PaymentReservation {
	amount := int64(5000)
	deadline := time.Now().Add(5 * time.Minute)
	res := models.PaymentReservation{
		ReservationId:     id,
		ChargePointId:     testCP,
		ConnectorId:       connector,
		ChargeTag:         "WEBPAY_" + id,
		Pricing:           SnapshotFromTariff(scenarioTariff()),
		MaxAmount:         amount,
		AuthorizedAmount:  &amount,
		CheckoutSessionId: "cs_" + id,
		PaymentIntentId:   "pi_" + id,
		Status:            models.ReservationAuthorized,
		IdempotencyKey:    "idem-" + id,
		StartDeadline:     &deadline,
	}
	h.reservations.put(res)
	return &res
}
