package timescale

import (
	"testing"

	"hedge-engine/internal/config"

	"go.uber.org/zap"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	w, err := New(config.HistoryConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
}

func TestNewReturnsNilWithoutDSN(t *testing.T) {
	w, err := New(config.HistoryConfig{Enabled: true, DSN: ""}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected nil error without dsn, got %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer without dsn")
	}
}

func TestNilWriterMethodsAreNoop(t *testing.T) {
	var w *Writer
	w.Start(nil)
	w.EnqueueFunding(FundingRow{})
	w.EnqueueHedge(HedgeRow{})
	if err := w.Close(); err != nil {
		t.Fatalf("expected nil error closing nil writer, got %v", err)
	}
}
