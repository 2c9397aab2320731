package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"ocpphub/internal/config"
	"ocpphub/internal/models"
	"ocpphub/internal/ocpp"
	"ocpphub/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ChargerReader interface {
	Get(ctx context.Context, id string) (*models.Charger, error)
}

type TariffWriter interface {
	UpsertActiveForCharger(ctx context.Context, t models.Tariff) (string, error)
	GetActiveForCharger(ctx context.Context, cp string) (*models.Tariff, error)
}

type ConnectorLister interface {
	ListConnectors(ctx context.Context, cp string) ([]models.ConnectorState, error)
}

type TransactionLister interface {
	ListByCharger(ctx context.Context, cp string, limit int) ([]models.Transaction, error)
}

type CommandLister interface {
	ListByCharger(ctx context.Context, cp string, limit int) ([]models.Command, error)
}

type Server struct {
	Cfg          config.Config
	Chargers     ChargerReader
	Tariffs      TariffWriter
	State        ConnectorLister
	Transactions TransactionLister
	CommandLog   CommandLister
	Registry     *ocpp.Registry
	Gateway      *ocpp.Gateway
	Resolver     *services.Resolver
	Reservations *services.ReservationService
	Commands     *services.CommandService
	Webhooks     *services.WebhookProcessor
	Logger       *slog.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/ocpp/{chargePointId}", s.UpgradeCharger)
	r.Post("/v1/webhooks/stripe", s.StripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RequireBearer(s.Cfg.APIToken, next) })

		r.Get("/v1/connections", s.ListConnections)

		r.Route("/v1/chargers/{chargePointId}", func(r chi.Router) {
			r.Get("/", s.GetCharger)
			r.Get("/connectors", s.ListConnectors)
			r.Get("/transactions", s.ListTransactions)
			r.Get("/tariff", s.GetTariff)
			r.Put("/tariff", s.PutTariff)
			r.Get("/connectors/{connectorId}/startability", s.GetStartability)
			r.Post("/connectors/{connectorId}/payments", s.CreatePayment)
			r.Get("/commands", s.ListCommands)
			r.Post("/commands/{type}", s.SendCommand)
		})

		r.Route("/v1/payments/{reservationId}", func(r chi.Router) {
			r.Get("/", s.GetPayment)
			r.Post("/confirm", s.ConfirmPayment)
			r.Post("/cancel", s.CancelPayment)
			r.Post("/start", s.StartPayment)
		})
	})
	return r
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// UpgradeCharger hands the request to the OCPP gateway.
func (s *Server) UpgradeCharger(w http.ResponseWriter, r *http.Request) {
	s.Gateway.HandleUpgrade(w, r, chi.URLParam(r, "chargePointId"))
}
