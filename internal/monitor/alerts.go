package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/chansync/internal/model"
)

// AlertSubjectPrefix prefixes the subject alerts are published on
const AlertSubjectPrefix = "alert."

// DefaultFailureThreshold is the number of consecutive failures that raises an alert
const DefaultFailureThreshold = 3

// Publisher sends alert payloads. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// AlertManager tracks consecutive sync failures per channel and raises an
// alert every time the count reaches a multiple of the threshold
type AlertManager struct {
	logger    *zap.Logger
	publisher Publisher
	threshold int
	now       func() time.Time

	mu       sync.Mutex
	failures map[string]int
	alerts   map[string]*model.Alert
}

// NewAlertManager creates an alert manager. publisher may be nil, in which
// case alerts are only logged.
func NewAlertManager(logger *zap.Logger, publisher Publisher, threshold int) *AlertManager {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &AlertManager{
		logger:    logger.Named("alerts"),
		publisher: publisher,
		threshold: threshold,
		now:       time.Now,
		failures:  make(map[string]int),
		alerts:    make(map[string]*model.Alert),
	}
}

// Observe feeds a final status event. It returns the alert raised by this
// event, if any.
func (m *AlertManager) Observe(ownerID string, event *model.StatusEvent) *model.Alert {
	if !event.Status.Terminal() {
		return nil
	}

	m.mu.Lock()
	if event.Status == model.SyncStatusSuccess {
		delete(m.failures, event.ChannelID)
		if _, ok := m.alerts[event.ChannelID]; ok {
			delete(m.alerts, event.ChannelID)
			m.logger.Info("Sync failure alert resolved", zap.String("channel_id", event.ChannelID))
		}
		m.mu.Unlock()
		return nil
	}

	m.failures[event.ChannelID]++
	count := m.failures[event.ChannelID]
	if count%m.threshold != 0 {
		m.mu.Unlock()
		return nil
	}

	severity := model.AlertSeverityWarning
	if count >= 2*m.threshold {
		severity = model.AlertSeverityCritical
	}
	alert := &model.Alert{
		ID:                  uuid.New().String(),
		Type:                model.AlertTypeSyncFailure,
		Severity:            severity,
		OwnerID:             ownerID,
		ChannelID:           event.ChannelID,
		ScheduleID:          event.ScheduleID,
		ConsecutiveFailures: count,
		LastKind:            event.Kind,
		Message:             fmt.Sprintf("channel %s failed to sync %d times in a row: %s", event.ChannelID, count, event.Message),
		CreatedAt:           m.now(),
	}
	m.alerts[event.ChannelID] = alert
	m.mu.Unlock()

	m.logger.Warn("Alert created",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("channel_id", alert.ChannelID),
		zap.Int("consecutive_failures", count),
		zap.String("last_kind", string(alert.LastKind)))

	if err := m.publish(alert); err != nil {
		m.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
	}
	return alert
}

func (m *AlertManager) publish(alert *model.Alert) error {
	if m.publisher == nil {
		return nil
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return m.publisher.Publish(AlertSubjectPrefix+string(alert.Type), data)
}

// Active returns the unresolved alerts
func (m *AlertManager) Active() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]*model.Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		alerts = append(alerts, alert)
	}
	return alerts
}

// Failures returns the current consecutive failure count of a channel
func (m *AlertManager) Failures(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[channelID]
}
