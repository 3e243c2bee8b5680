package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/events/bus"
)

// Provide builds the event bus the worker runs on. A configured NATS URL
// selects the NATS-backed bus; without one every component shares the
// in-process bus. The returned cleanup drains the bus and must run after
// all subscribers have shut down.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		log.Info("Connecting to NATS...", zap.String("url", url))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect NATS event bus: %w", err)
		}
		log.Info("Connected to NATS event bus")
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}

	log.Info("Using in-memory event bus")
	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error { memBus.Close(); return nil }, nil
}
