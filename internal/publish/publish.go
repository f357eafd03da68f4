// Package publish forwards density readings to external consumers over MQTT
// and Redis.
package publish

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
)

// Sink receives reading messages.
type Sink interface {
	Publish(ctx context.Context, m events.Message) error
	Close() error
}

// Forward publishes every message from sub to each sink until ctx is done
// or the bus shuts down. A failing sink is logged and skipped.
func Forward(ctx context.Context, sub *events.Subscription, log *logrus.Logger, sinks ...Sink) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithField("component", "publish")
	defer sub.Close()
	for {
		m, ok := sub.Next(ctx)
		if !ok {
			return
		}
		for _, s := range sinks {
			if err := s.Publish(ctx, m); err != nil {
				entry.WithError(err).WithField("type", m.Type).Warn("publish failed")
			}
		}
	}
}
