package order_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/skoglund/auctiond/internal/order"
)

func TestMemoryCreator_Idempotent(t *testing.T) {
	c := order.NewMemoryCreator()
	ctx := context.Background()
	amount := decimal.NewFromInt(110)

	first, err := c.CreateFromAuction(ctx, "l1", "bidder-1", amount)
	if err != nil {
		t.Fatalf("CreateFromAuction() error = %v", err)
	}

	second, err := c.CreateFromAuction(ctx, "l1", "bidder-1", amount)
	if err != nil {
		t.Fatalf("CreateFromAuction() second call error = %v", err)
	}

	if first != second {
		t.Errorf("repeated creation returned different order IDs: %q vs %q", first, second)
	}
	if c.OrderCount() != 1 {
		t.Errorf("OrderCount() = %d, want 1", c.OrderCount())
	}
}

func TestMemoryCreator_ScriptedFailures(t *testing.T) {
	c := order.NewMemoryCreator()
	c.FailuresRemaining = 2
	ctx := context.Background()
	amount := decimal.NewFromInt(50)

	for i := 0; i < 2; i++ {
		if _, err := c.CreateFromAuction(ctx, "l1", "b1", amount); err == nil {
			t.Fatalf("call %d: expected scripted failure", i)
		}
	}

	id, err := c.CreateFromAuction(ctx, "l1", "b1", amount)
	if err != nil {
		t.Fatalf("CreateFromAuction() after failures error = %v", err)
	}
	if id == "" {
		t.Error("expected a non-empty order ID")
	}
	if c.Requests != 3 {
		t.Errorf("Requests = %d, want 3", c.Requests)
	}
}

func TestMemoryCreator_SeparateListings(t *testing.T) {
	c := order.NewMemoryCreator()
	ctx := context.Background()

	id1, _ := c.CreateFromAuction(ctx, "l1", "b1", decimal.NewFromInt(10))
	id2, _ := c.CreateFromAuction(ctx, "l2", "b2", decimal.NewFromInt(20))

	if id1 == id2 {
		t.Error("orders for different listings share an ID")
	}
	if c.OrderCount() != 2 {
		t.Errorf("OrderCount() = %d, want 2", c.OrderCount())
	}
}
