// Command seed-slots loads a machine's slot inventory into the database from
// a JSON planogram file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/hoescodes/vendo/internal/domain/product"
	"github.com/hoescodes/vendo/internal/storage/postgres"
)

type slotJSON struct {
	Slot      int             `json:"slot"`
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
}

func main() {
	var (
		databaseURL string
		machineID   string
		slotsFile   string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&machineID, "machine-id", "VM01", "machine the planogram belongs to")
	flag.StringVar(&slotsFile, "slots-file", "db/seed/slots.json", "path to slots JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, machineID, slotsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, machineID, slotsFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("reading slots file", slog.String("path", slotsFile))

	data, err := os.ReadFile(slotsFile)
	if err != nil {
		return errors.Wrap(err, "read slots file")
	}

	var slots []slotJSON
	if err := json.Unmarshal(data, &slots); err != nil {
		return errors.Wrap(err, "parse slots JSON")
	}

	repo := postgres.NewSlotRepository(pool)
	slog.Info("upserting slots", slog.String("machine_id", machineID), slog.Int("count", len(slots)))

	for _, s := range slots {
		err := repo.UpsertSlot(ctx, product.Slot{
			MachineID: machineID,
			Slot:      s.Slot,
			ProductID: s.ProductID,
			Name:      s.Name,
			Price:     s.Price,
			Stock:     s.Stock,
		})
		if err != nil {
			return errors.Wrapf(err, "upsert slot %d", s.Slot)
		}

		slog.Info("upserted slot", slog.Int("slot", s.Slot), slog.String("name", s.Name))
	}

	return nil
}
