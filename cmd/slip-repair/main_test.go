package main

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/domain"
)

func TestReportOutcomeExitCode(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clean := domain.SlipRepairReport{Checked: 2, Finalized: []string{"dsp-1", "dsp-2"}}
	if code := reportOutcome(logger, clean); code != 0 {
		t.Fatalf("expected exit 0 for a clean pass, got %d", code)
	}

	partial := domain.SlipRepairReport{
		Checked:   2,
		Finalized: []string{"dsp-1"},
		Failed:    []domain.SlipRepairFailure{{DispatchID: "dsp-2", Error: "slip number exhausted"}},
	}
	if code := reportOutcome(logger, partial); code != 1 {
		t.Fatalf("expected exit 1 when a slip stays unnumbered, got %d", code)
	}
}
