package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/money"
	"github.com/gitshopapp/fulfillment/internal/store"
)

func TestInTxRollbackDiscardsChangesAndHooks(t *testing.T) {
	t.Parallel()

	s := New()
	order, _ := s.PutOrder(models.Order{Status: models.StatusUnfulfilled, Currency: "USD"})

	hookRan := false
	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		locked.Status = models.StatusCanceled
		if err := tx.UpdateOrders(ctx, []models.Order{*locked}); err != nil {
			return err
		}
		tx.OnCommit(func(context.Context) { hookRan = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if hookRan {
		t.Fatalf("hook must not run on rollback")
	}
	got, _ := s.Order(order.ID)
	if got.Status != models.StatusUnfulfilled {
		t.Fatalf("status = %s, want unfulfilled", got.Status)
	}
}

func TestInTxCommitRunsHooksAfterCommit(t *testing.T) {
	t.Parallel()

	s := New()
	var seen models.OrderStatus
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		order := &models.Order{Status: models.StatusDraft, Currency: "USD", Total: money.ZeroTaxed("USD")}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		tx.OnCommit(func(context.Context) {
			committed, _ := s.Order(order.ID)
			seen = committed.Status
		})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != models.StatusDraft {
		t.Fatalf("hook saw %q, want committed draft order", seen)
	}
}

func TestLockOrderNotFound(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockOrder(ctx, uuid.New())
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
