package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/chansync/internal/model"
)

// DefaultSubjectPrefix prefixes the subject status events are relayed on
const DefaultSubjectPrefix = "sync.status"

type envelope struct {
	OwnerID string             `json:"owner_id"`
	Event   *model.StatusEvent `json:"event"`
}

// NATSRelay carries status events between processes over core NATS, so the
// process running workers need not hold the client connections
type NATSRelay struct {
	nc     *nats.Conn
	logger *zap.Logger
	prefix string
}

var _ Publisher = (*NATSRelay)(nil)

// NewNATSRelay creates a relay on nc
func NewNATSRelay(nc *nats.Conn, logger *zap.Logger, prefix string) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSRelay{
		nc:     nc,
		logger: logger.Named("relay"),
		prefix: prefix,
	}
}

// Publish implements Publisher. Failures are logged and the event dropped.
func (r *NATSRelay) Publish(ownerID string, event *model.StatusEvent) {
	data, err := json.Marshal(envelope{OwnerID: ownerID, Event: event})
	if err != nil {
		r.logger.Error("Failed to marshal status event", zap.Error(err))
		return
	}

	if err := r.nc.Publish(r.prefix+"."+subjectToken(ownerID), data); err != nil {
		r.logger.Error("Failed to publish status event",
			zap.String("job_id", event.JobID),
			zap.Error(err))
	}
}

// Forward delivers relayed events to local until ctx is done
func (r *NATSRelay) Forward(ctx context.Context, local Publisher) error {
	sub, err := r.nc.Subscribe(r.prefix+".>", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.Event == nil {
			r.logger.Error("Failed to unmarshal status event", zap.Error(err))
			return
		}
		local.Publish(env.OwnerID, env.Event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status events: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// subjectToken maps an owner ID onto a single NATS subject token
func subjectToken(ownerID string) string {
	if ownerID == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, ownerID)
}
