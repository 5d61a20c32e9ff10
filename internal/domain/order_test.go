package domain_test

import (
	"testing"
	"time"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:          "order-1",
		Number:      "20261019000001",
		CustomerID:  "customer-1",
		Status:      domain.OrderStatusPendingPayment,
		PayStatus:   domain.PayStatusUnpaid,
		AmountMinor: 500,
		Items: []domain.OrderItem{
			{ID: "item-1", Name: "ramen", DishID: "dish-1", Qty: 5, PriceMinor: 100, CreatedAt: now},
		},
		OrderedAt: now,
		Audit:     domain.AuditFields(domain.OperationInsert, "customer-1", now),
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
	}{
		{name: "no customer", mut: func(o *domain.Order) { o.CustomerID = "" }},
		{name: "no number", mut: func(o *domain.Order) { o.Number = "" }},
		{name: "negative amount", mut: func(o *domain.Order) { o.AmountMinor = -1 }},
		{name: "no items", mut: func(o *domain.Order) { o.Items = nil }},
		{name: "qty invalid", mut: func(o *domain.Order) { o.Items[0].Qty = 0 }},
		{name: "price invalid", mut: func(o *domain.Order) { o.Items[0].PriceMinor = -5 }},
		{name: "amount mismatch", mut: func(o *domain.Order) { o.AmountMinor = 999 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)

			if len(order.ValidateInvariants()) == 0 {
				t.Fatalf("expected validation errors for case %s", tc.name)
			}
		})
	}
}

func TestAuditFields(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	inserted := domain.AuditFields(domain.OperationInsert, "user-1", now)
	if !inserted.CreatedAt.Equal(now) || !inserted.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected insert timestamps: %+v", inserted)
	}
	if inserted.CreatedBy != "user-1" || inserted.UpdatedBy != "user-1" {
		t.Fatalf("unexpected insert actors: %+v", inserted)
	}

	later := now.Add(time.Hour)
	updated := inserted.Merge(domain.AuditFields(domain.OperationUpdate, "admin-1", later))
	if !updated.CreatedAt.Equal(now) || updated.CreatedBy != "user-1" {
		t.Fatalf("update must keep creation fields: %+v", updated)
	}
	if !updated.UpdatedAt.Equal(later) || updated.UpdatedBy != "admin-1" {
		t.Fatalf("update must set modification fields: %+v", updated)
	}
}

func TestAddressFullAddress(t *testing.T) {
	addr := domain.Address{Province: "Moscow", City: " ", District: "Arbat", Detail: "12-5"}
	if got := addr.FullAddress(); got != "Moscow Arbat 12-5" {
		t.Fatalf("unexpected full address: %q", got)
	}
}

func TestCartTotal(t *testing.T) {
	lines := []domain.CartLine{{Qty: 2, PriceMinor: 150}, {Qty: 1, PriceMinor: 99}}
	if got := domain.CartTotal(lines); got != 399 {
		t.Fatalf("expected 399, got %d", got)
	}
}
