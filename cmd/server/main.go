/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize the store (SQLite by default, PostgreSQL with -dsn)
  3. Load the seed file (regies, agendas, pricing windows, payers)
  4. Build the engine and HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: billing.db)
           Use ":memory:" for an in-memory database
  -dsn     PostgreSQL DSN; when set, -db is ignored
  -seed    JSON seed file with regies, agendas, pricing and payers

SEED FILE:
  {
    "regies":  [{"slug": "...", "label": "...", "assign_credits_on_creation": true}],
    "agendas": [{"slug": "...", "label": "...", "regie": "..."}],
    "pricing": {"<agenda>": [{"slug": "...", "date_start": "2026-09-01",
                "date_end": "2027-09-01", "unit_amount": "12.50",
                "accounting_code": "706"}]},
    "payers":  {"<external id>": {"first_name": "...", "last_name": "..."}}
  }

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - billing/engine.go: The engine being served
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Storage
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian/billing-engine/api"
	"github.com/meridian/billing-engine/billing"
	"github.com/meridian/billing-engine/notify"
	"github.com/meridian/billing-engine/store/postgres"
	"github.com/meridian/billing-engine/store/sqlite"
)

// seedStore is the writable subset of the persistent stores the seed
// loader needs.
type seedStore interface {
	billing.Store
	SaveRegie(ctx context.Context, regie *billing.Regie) error
	SaveAgenda(ctx context.Context, agenda billing.Agenda) error
}

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "billing.db", "SQLite database path")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides -db)")
	seedPath := flag.String("seed", "", "JSON seed file")
	flag.Parse()

	ctx := context.Background()

	var store seedStore
	if *dsn != "" {
		pg, err := postgres.New(ctx, *dsn)
		if err != nil {
			log.Fatalf("Failed to initialize postgres: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		lite, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer lite.Close()
		store = lite
	}

	seed, err := loadSeed(*seedPath)
	if err != nil {
		log.Fatalf("Failed to load seed file: %v", err)
	}
	if err := seed.apply(ctx, store); err != nil {
		log.Fatalf("Failed to apply seed: %v", err)
	}

	engine := billing.NewEngine(store, seed.pricingResolver(), seed.payerResolver())
	engine.Notifier = notify.NewWebhook()

	router := api.NewRouter(api.NewHandler(engine))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// =============================================================================
// SEED FILE
// =============================================================================

type seedFile struct {
	Regies []struct {
		Slug                    string `json:"slug"`
		Label                   string `json:"label"`
		InvoiceNumberFormat     string `json:"invoice_number_format"`
		CreditNumberFormat      string `json:"credit_number_format"`
		PaymentNumberFormat     string `json:"payment_number_format"`
		AssignCreditsOnCreation bool   `json:"assign_credits_on_creation"`
	} `json:"regies"`
	Agendas []struct {
		Slug  string `json:"slug"`
		Label string `json:"label"`
		Regie string `json:"regie"`
	} `json:"agendas"`
	Pricing map[string][]struct {
		Slug           string `json:"slug"`
		DateStart      string `json:"date_start"`
		DateEnd        string `json:"date_end"`
		UnitAmount     string `json:"unit_amount"`
		AccountingCode string `json:"accounting_code"`
	} `json:"pricing"`
	Payers map[string]billing.PayerData `json:"payers"`
}

func loadSeed(path string) (*seedFile, error) {
	var seed seedFile
	if path == "" {
		return &seed, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *seedFile) apply(ctx context.Context, store seedStore) error {
	for _, r := range s.Regies {
		regie := &billing.Regie{
			Slug:                    r.Slug,
			Label:                   r.Label,
			InvoiceNumberFormat:     r.InvoiceNumberFormat,
			CreditNumberFormat:      r.CreditNumberFormat,
			PaymentNumberFormat:     r.PaymentNumberFormat,
			AssignCreditsOnCreation: r.AssignCreditsOnCreation,
		}
		if err := store.SaveRegie(ctx, regie); err != nil {
			return err
		}
	}
	for _, a := range s.Agendas {
		agenda := billing.Agenda{Slug: a.Slug, Label: a.Label, RegieSlug: a.Regie}
		if err := store.SaveAgenda(ctx, agenda); err != nil {
			return err
		}
	}
	return nil
}

func (s *seedFile) pricingResolver() billing.PricingResolver {
	resolver := &billing.WindowedPricingResolver{ByAgenda: map[string][]billing.PricingWindow{}}
	for agenda, windows := range s.Pricing {
		for _, w := range windows {
			start, err := time.Parse(billing.ISODate, w.DateStart)
			if err != nil {
				log.Printf("seed: skipping pricing %s: bad date_start %q", w.Slug, w.DateStart)
				continue
			}
			end, err := time.Parse(billing.ISODate, w.DateEnd)
			if err != nil {
				log.Printf("seed: skipping pricing %s: bad date_end %q", w.Slug, w.DateEnd)
				continue
			}
			amount, err := decimal.NewFromString(w.UnitAmount)
			if err != nil {
				log.Printf("seed: skipping pricing %s: bad unit_amount %q", w.Slug, w.UnitAmount)
				continue
			}
			resolver.ByAgenda[agenda] = append(resolver.ByAgenda[agenda], billing.PricingWindow{
				Slug:           w.Slug,
				DateStart:      start,
				DateEnd:        end,
				UnitAmount:     amount,
				AccountingCode: w.AccountingCode,
			})
		}
	}
	return resolver
}

func (s *seedFile) payerResolver() billing.PayerResolver {
	return billing.PayerResolverFunc(func(_ context.Context, _ *billing.Regie, payerExternalID string) (billing.PayerData, error) {
		if data, ok := s.Payers[payerExternalID]; ok {
			return data, nil
		}
		return billing.PayerData{}, &billing.PayerDataError{
			Details: map[string]any{"payer_external_id": payerExternalID},
		}
	})
}
