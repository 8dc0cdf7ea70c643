package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/codec"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("handle and resolve", func(t *testing.T) {
		r := NewRegistry()
		var got orderCreated
		err := HandleFunc(r, "orders", "order_created", func(ctx context.Context, msg orderCreated, mc MessageContext) error {
			got = msg
			return nil
		})
		if err != nil {
			t.Fatalf("HandleFunc failed: %v", err)
		}

		reg, ok := r.Resolve("order_created")
		if !ok {
			t.Fatal("expected registration")
		}
		if reg.Topic != "orders" || reg.GoType.Name() != "orderCreated" {
			t.Errorf("unexpected registration: %+v", reg)
		}

		scope, _ := NewContainer().BeginScope(ctx)
		defer scope.Close()
		err = reg.Invoke(ctx, scope, codec.JSON{}, []byte(`{"orderId":"A1","amount":42}`), MessageContext{})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if diff := cmp.Diff(orderCreated{OrderID: "A1", Amount: 42}, got); diff != "" {
			t.Errorf("diff : %v", diff)
		}

		if _, ok := r.Resolve("order_shipped"); ok {
			t.Error("unexpected registration for order_shipped")
		}
	})

	t.Run("duplicate type", func(t *testing.T) {
		r := NewRegistry()
		noop := func(context.Context, orderCreated, MessageContext) error { return nil }
		HandleFunc(r, "orders", "order_created", noop)
		err := HandleFunc(r, "orders-v2", "order_created", noop)
		if !errors.Is(err, courier.ErrDuplicateRegistration) || !courier.IsConfigurationError(err) {
			t.Errorf("expected duplicate configuration error, got %v", err)
		}
	})

	t.Run("invalid registration", func(t *testing.T) {
		r := NewRegistry()
		noop := func(context.Context, orderCreated, MessageContext) error { return nil }
		if err := HandleFunc(r, "", "order_created", noop); !courier.IsConfigurationError(err) {
			t.Errorf("expected error for empty topic, got %v", err)
		}
		if err := HandleFunc(r, "orders", " ", noop); !courier.IsConfigurationError(err) {
			t.Errorf("expected error for empty type, got %v", err)
		}
		if err := Handle[orderCreated](r, "orders", "order_created", nil); !courier.IsConfigurationError(err) {
			t.Errorf("expected error for nil factory, got %v", err)
		}
	})

	t.Run("factory failure is handler unavailable", func(t *testing.T) {
		r := NewRegistry()
		errWiring := errors.New("database missing")
		MustHandle(r, "orders", "order_created", func(*Scope) (Handler[orderCreated], error) {
			return nil, errWiring
		})
		reg, _ := r.Resolve("order_created")

		scope, _ := NewContainer().BeginScope(ctx)
		defer scope.Close()
		err := reg.Invoke(ctx, scope, codec.JSON{}, []byte(`{}`), MessageContext{})
		if !errors.Is(err, ErrHandlerUnavailable) || !errors.Is(err, errWiring) {
			t.Errorf("expected ErrHandlerUnavailable wrapping %v, got %v", errWiring, err)
		}
	})

	t.Run("topics", func(t *testing.T) {
		r := NewRegistry()
		HandleFunc(r, "shipments", "order_shipped", func(context.Context, orderShipped, MessageContext) error { return nil })
		HandleFunc(r, "orders", "order_created", func(context.Context, orderCreated, MessageContext) error { return nil })
		HandleFunc(r, "orders", "order_cancelled", func(context.Context, orderShipped, MessageContext) error { return nil })

		if diff := cmp.Diff([]string{"orders", "shipments"}, r.Topics()); diff != "" {
			t.Errorf("diff : %v", diff)
		}
	})
}
