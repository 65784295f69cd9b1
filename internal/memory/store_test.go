package memory

import (
	"context"
	"testing"

	"github.com/flappy-rocket/internal/domain"
	"github.com/flappy-rocket/internal/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return NewStore()
	})
}

func TestStore_CanceledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.AdmitPlay(ctx, storetest.Wallet(1), "a", storetest.T0, domain.DefaultAllowancePolicy()); err == nil {
		t.Fatal("expected context error")
	}
	if _, err := s.GetAllowance(context.Background(), storetest.Wallet(1)); err == nil {
		t.Fatal("canceled request must not create a record")
	}
}
