package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"ocpphub/internal/config"
	"ocpphub/internal/db"
	"ocpphub/internal/models"
	"ocpphub/internal/repo"
	"ocpphub/internal/security"

	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("seed", pflag.ExitOnError)
	id := fs.String("id", "CP-123", "chargePointId")
	secret := fs.String("secret", "devsecret", "shared secret (stored hashed); empty disables basic auth")
	thumbprint := fs.String("cert-thumbprint", "", "SHA-256 client certificate thumbprint")
	active := fs.Bool("active", true, "mark charger active")
	paymentsEnabled := fs.Bool("payments", true, "allow pay-per-session reservations")
	vendor := fs.String("vendor", "ABB", "vendor")
	model := fs.String("model", "Terra54", "model")
	ocppVersion := fs.String("ocpp", "1.6", "expected OCPP version")
	currency := fs.String("currency", "", "tariff currency (default from config)")
	pricePerKwh := fs.Float64("price-per-kwh", 0, "energy price per kWh; 0 skips the tariff")
	perMinute := fs.Float64("usage-fee-per-minute", 0, "usage fee per minute")
	freeMinutes := fs.Int("usage-fee-free-minutes", 0, "minutes before the usage fee applies")
	maxMinutes := fs.Int("usage-fee-max-minutes", 0, "billable minute cap; 0 means uncapped")
	sessionFee := fs.Float64("session-fee", 0, "flat fee per session")
	commission := fs.Float64("commission-percent", 0, "operator commission on the gross")
	maxHoldKwh := fs.Float64("max-hold-kwh", 0, "energy the hold covers; 0 uses OCPPHUB_HOLD_KWH")
	_ = fs.Parse(os.Args[1:])

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()
	if err := d.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	var hash string
	if *secret != "" {
		hash = security.HashSecretSHA256(*secret)
	}
	err = repo.NewChargersRepo(d.Pool).Upsert(ctx, models.Charger{
		ChargePointId:   *id,
		SecretHash:      hash,
		CertThumbprint:  security.NormalizeThumbprint(*thumbprint),
		IsActive:        *active,
		PaymentsEnabled: *paymentsEnabled,
		Vendor:          *vendor,
		Model:           *model,
		OcppVersion:     *ocppVersion,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("Seeded charger:", *id, "active=", *active, "payments=", *paymentsEnabled)

	if *pricePerKwh <= 0 && *perMinute <= 0 && *sessionFee <= 0 {
		return
	}
	cur := strings.ToLower(*currency)
	if cur == "" {
		cur = cfg.Currency
	}
	tariffID, err := repo.NewTariffsRepo(d.Pool).UpsertActiveForCharger(ctx, models.Tariff{
		ChargePointId:       *id,
		Currency:            cur,
		PricePerKwh:         *pricePerKwh,
		UsageFeePerMinute:   *perMinute,
		UsageFeeFreeMinutes: *freeMinutes,
		UsageFeeMaxMinutes:  *maxMinutes,
		SessionFee:          *sessionFee,
		CommissionPercent:   *commission,
		MaxHoldKwh:          *maxHoldKwh,
		IsActive:            true,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("Active tariff:", tariffID, cur, *pricePerKwh, "per kWh")
}
