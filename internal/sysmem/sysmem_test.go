package sysmem

import (
	"errors"
	"testing"
)

func TestCheckWithinLimits(t *testing.T) {
	// nothing is over 100% of RAM
	warning, err := Check(100, 100)
	if err != nil {
		t.Fatalf("unexpected hard limit: %v", err)
	}
	if warning != "" {
		t.Fatalf("unexpected warning: %q", warning)
	}
}

func TestCheckHardLimit(t *testing.T) {
	// any process uses more than 0%
	_, err := Check(0, 0)
	var hard *HardLimitError
	if !errors.As(err, &hard) {
		t.Fatalf("expected HardLimitError, got %v", err)
	}
	if hard.Limit != 0 {
		t.Fatalf("limit lost: %+v", hard)
	}
}

func TestCheckSoftLimit(t *testing.T) {
	warning, err := Check(0, 100)
	if err != nil {
		t.Fatalf("unexpected hard limit: %v", err)
	}
	if warning == "" {
		t.Fatal("expected a soft-limit warning")
	}
}
