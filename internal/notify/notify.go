package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Delivery is a finished proposal addressed to a client channel.
type Delivery struct {
	RequestID string `json:"request_id"`
	Channel   string `json:"channel"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Adapter sends deliveries over one platform.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, d *Delivery) error
	Close() error
}

// Gateway fans a delivery out to every registered platform adapter. It backs
// the deliver_proposal capability.
type Gateway struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewGateway creates an empty gateway.
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// Register adds an adapter.
func (g *Gateway) Register(adapter Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[adapter.Platform()] = adapter
	g.logger.Info("registered delivery adapter", zap.String("platform", adapter.Platform()))
}

// ConnectAll starts every registered adapter.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for platform, adapter := range g.adapters {
		if err := adapter.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		g.logger.Info("delivery adapter connected", zap.String("platform", platform))
	}
	return nil
}

// Deliver sends to all adapters and fails when any of them fails, so the
// delivery stage can retry through the scheduler.
func (g *Gateway) Deliver(ctx context.Context, d *Delivery) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.adapters) == 0 {
		return fmt.Errorf("no delivery adapters registered")
	}

	var errs []error
	for platform, adapter := range g.adapters {
		if err := adapter.Send(ctx, d); err != nil {
			g.logger.Error("delivery failed",
				zap.String("platform", platform),
				zap.String("request", d.RequestID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		g.logger.Info("proposal delivered",
			zap.String("platform", platform),
			zap.String("request", d.RequestID),
			zap.String("channel", d.Channel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("delivery failed on %d platform(s): %v", len(errs), errs[0])
	}
	return nil
}

// Platforms returns the registered platform names.
func (g *Gateway) Platforms() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for p := range g.adapters {
		names = append(names, p)
	}
	return names
}

// Close shuts down all adapters.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for platform, adapter := range g.adapters {
		if err := adapter.Close(); err != nil {
			g.logger.Error("adapter close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}
