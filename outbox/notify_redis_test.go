package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisNotifier(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	t.Run("notify reaches other process", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		listener := NewRedisNotifier(newClient(), NewNotification(time.Hour)).WithChannel("orders:outbox")
		sender := NewRedisNotifier(newClient(), NewNotification(time.Hour)).WithChannel("orders:outbox")

		done := make(chan error, 1)
		go func() { done <- listener.Listen(ctx) }()
		waitFor(t, func() bool { return mr.PubSubNumSub("orders:outbox")["orders:outbox"] == 1 })

		sender.Notify()

		waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
		defer waitCancel()
		notified, err := listener.Wait(waitCtx)
		if err != nil || !notified {
			t.Fatalf("expected listener to be notified, got (%v, %v)", notified, err)
		}

		// the sender woke its own dispatcher as well
		if notified, _ := sender.Wait(ctx); !notified {
			t.Error("expected sender to be notified locally")
		}

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Listen should return nil on cancellation, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Listen did not return after cancellation")
		}
	})

	t.Run("notify survives redis failure", func(t *testing.T) {
		down, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis: %v", err)
		}
		client := redis.NewClient(&redis.Options{Addr: down.Addr(), MaxRetries: -1})
		defer client.Close()
		down.Close()

		n := NewRedisNotifier(client, NewNotification(time.Hour))
		n.timeout = 100 * time.Millisecond
		n.Notify()

		if notified, _ := n.Wait(context.Background()); !notified {
			t.Error("local notification must not depend on redis")
		}
	})

	t.Run("listen on unreachable redis", func(t *testing.T) {
		down, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis: %v", err)
		}
		client := redis.NewClient(&redis.Options{Addr: down.Addr(), MaxRetries: -1})
		defer client.Close()
		down.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = NewRedisNotifier(client, nil).Listen(ctx)
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected connection error, got %v", err)
		}
	})
}
