// Command slip-repair finalizes packing slips of confirmed dispatches that
// never received a slip number, then exits.
package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/config"
	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/service"
	pgstore "kitchenledger/backend/internal/store/postgres"
)

const repairActor = "slip-repair"

func main() {
	os.Exit(run())
}

// run returns the process exit code: non-zero when the pass aborted or any
// slip is still unnumbered, so schedulers can alert on it.
func run() int {
	cfg := config.Load()
	logger := config.NewLogger(cfg)
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required; the in-memory store has nothing to repair")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	repo, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("postgres unavailable")
	}
	defer repo.Close()

	svc := service.New(repo, service.Options{
		Logger:             logger,
		DefaultLocation:    cfg.DefaultLocation,
		SlipNumberAttempts: cfg.SlipNumberAttempts,
	})
	defer svc.Wait()

	ctx = service.WithActor(ctx, domain.Actor{Username: repairActor, Role: domain.RoleAdmin})
	report, err := svc.RepairUnfinalizedSlips(ctx)
	if err != nil {
		logger.WithError(err).Error("slip repair aborted")
		return 1
	}
	return reportOutcome(logger, report)
}

func reportOutcome(logger logrus.FieldLogger, report domain.SlipRepairReport) int {
	entry := logger.WithFields(logrus.Fields{
		"checked":   report.Checked,
		"finalized": len(report.Finalized),
		"failed":    len(report.Failed),
	})
	for _, f := range report.Failed {
		logger.WithFields(logrus.Fields{"dispatch_id": f.DispatchID, "error": f.Error}).Warn("slip not finalized")
	}
	if len(report.Failed) > 0 {
		entry.Error("slip repair finished with failures")
		return 1
	}
	entry.Info("slip repair finished")
	return 0
}
