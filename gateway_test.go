package blegw

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sterwen-technology/blegw/internal/bus"
	"github.com/sterwen-technology/blegw/internal/config"
	"github.com/sterwen-technology/blegw/internal/hci/hcitest"
)

// stubBus satisfies bus.Bus without a broker.
type stubBus struct {
	mu        sync.Mutex
	published int
	subs      []string
	connected bool
}

func (b *stubBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *stubBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published++
	return nil
}

func (b *stubBus) Subscribe(topic string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, topic)
	return nil
}

func (b *stubBus) Close() {}

func TestNewAppliesHostnameFallback(t *testing.T) {
	cfg := config.Default()
	gw, err := New(cfg, WithAdapter(hcitest.NewFakeAdapter()), WithBus(&stubBus{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if gw.GatewayID() == "" {
		t.Error("GatewayID empty, want hostname fallback")
	}
}

func TestRunSubscribesAndStops(t *testing.T) {
	cfg := config.Default()
	cfg.GatewayID = "gw-test"
	sb := &stubBus{}
	gw, err := New(cfg, WithAdapter(hcitest.NewFakeAdapter()), WithBus(sb))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	deadline := time.After(time.Second)
	for {
		sb.mu.Lock()
		n := len(sb.subs)
		sb.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscriptions = %d, want 3", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
