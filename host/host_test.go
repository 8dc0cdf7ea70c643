package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/broker/memory"
	"github.com/rbaliyan/courier/consumer"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// blocking runs until cancelled
func blocking(started *atomic.Int32) func(context.Context) error {
	return func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()
		return nil
	}
}

func status(t *testing.T, hs *health.Server, name string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
	if err != nil {
		t.Fatalf("health check %q failed: %v", name, err)
	}
	return resp.GetStatus()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunUntilCancelled(t *testing.T) {
	hs := health.NewServer()
	h := New(WithHealthServer(hs))

	var started atomic.Int32
	if err := h.Add(Func("dispatcher", blocking(&started)), Func("consumer", blocking(&started))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	waitFor(t, func() bool { return started.Load() == 2 })
	for _, name := range []string{"", "dispatcher", "consumer"} {
		if s := status(t, hs, name); s != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("%q: expected SERVING, got %v", name, s)
		}
	}

	if err := h.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if s := status(t, hs, ""); s != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING after stop, got %v", s)
	}
}

func TestFailFast(t *testing.T) {
	hs := health.NewServer()
	h := New(WithHealthServer(hs))

	boom := errors.New("handler failed")
	var started atomic.Int32
	h.Add(
		Func("dispatcher", blocking(&started)),
		Func("consumer", func(ctx context.Context) error {
			for started.Load() == 0 && ctx.Err() == nil {
				time.Sleep(time.Millisecond)
			}
			return boom
		}),
	)

	err := h.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Service != "consumer" {
		t.Errorf("expected ServiceError for consumer, got %v", err)
	}
	if s := status(t, hs, "consumer"); s != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING, got %v", s)
	}
}

func TestKeepRunning(t *testing.T) {
	h := New(
		WithFailurePolicy(KeepRunning),
		WithRestartLimit(time.Millisecond, 10),
	)

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Add(Func("consumer", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	waitFor(t, func() bool { return runs.Load() == 3 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

type orderCreated struct {
	AggregateID string `json:"aggregateId"`
}

func TestKeepRunningRedeliversFailedRecord(t *testing.T) {
	b := memory.New()
	defer b.Close()

	messages := courier.NewRegistry()
	courier.MustRegister(messages, "orders", "OrderCreated", func(o orderCreated) string { return o.AggregateID })
	producer, err := courier.NewProducer(b, messages)
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}

	var (
		mu      sync.Mutex
		handled []string
		failed  atomic.Bool
	)
	handlers := consumer.NewRegistry()
	consumer.MustHandle(handlers, "orders", "OrderCreated", func(*consumer.Scope) (consumer.Handler[orderCreated], error) {
		return consumer.HandlerFunc[orderCreated](func(_ context.Context, msg orderCreated, mc consumer.MessageContext) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, mc.MessageID)
			if mc.MessageID == "M1" && failed.CompareAndSwap(false, true) {
				return errors.New("database unavailable")
			}
			return nil
		}), nil
	})

	sub, err := b.Subscribe("billing", "orders")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	c, err := consumer.New(sub, handlers, consumer.NewContainer(), consumer.WithGroup("billing"))
	if err != nil {
		t.Fatalf("consumer.New failed: %v", err)
	}

	h := New(WithFailurePolicy(KeepRunning), WithRestartLimit(time.Millisecond, 10))
	h.Add(Func("billing-consumer", c.ConsumeAll))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	if err := producer.Produce(ctx, orderCreated{AggregateID: "A1"}, courier.WithMessageID("M1")); err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	waitFor(t, failed.Load)
	if err := producer.Produce(ctx, orderCreated{AggregateID: "A2"}, courier.WithMessageID("M2")); err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	waitFor(t, func() bool { return b.Committed("billing", "orders") == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"M1", "M1", "M2"}, handled); diff != "" {
		t.Errorf("diff : %v", diff)
	}
}

func TestPanicIsFailure(t *testing.T) {
	h := New()
	h.Add(Func("consumer", func(context.Context) error {
		panic("nil map")
	}))

	err := h.Run(context.Background())
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if panicErr.Value != "nil map" || len(panicErr.Stack) == 0 {
		t.Errorf("unexpected panic error: %v", panicErr)
	}
}

func TestFinishedService(t *testing.T) {
	h := New()
	h.Add(Func("migration", func(context.Context) error { return nil }))
	if err := h.Run(context.Background()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestAdd(t *testing.T) {
	h := New()
	if err := h.Run(context.Background()); !errors.Is(err, ErrNoServices) {
		t.Errorf("expected ErrNoServices, got %v", err)
	}

	noop := func(context.Context) error { return nil }
	h.Add(Func("a", noop))
	if err := h.Add(Func("a", noop)); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestFailurePolicyString(t *testing.T) {
	tests := []struct {
		p    FailurePolicy
		want string
	}{
		{FailFast, "fail_fast"},
		{KeepRunning, "keep_running"},
		{FailurePolicy(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}
