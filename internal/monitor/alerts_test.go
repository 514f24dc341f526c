package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/chansync/internal/model"
	"github.com/t77yq/chansync/internal/testutil"
)

func failed(channel string, kind model.ErrorKind) *model.StatusEvent {
	return &model.StatusEvent{
		JobID:     "job",
		ChannelID: channel,
		Status:    model.SyncStatusFailed,
		Kind:      kind,
		Message:   "boom",
		At:        time.Now(),
	}
}

func TestAlertManagerRaisesAfterThreshold(t *testing.T) {
	nc := testutil.StartNATS(t)
	msgs := testutil.CollectMessages(t, nc, AlertSubjectPrefix+string(model.AlertTypeSyncFailure))

	m := NewAlertManager(zaptest.NewLogger(t), nc, 2)

	assert.Nil(t, m.Observe("owner-1", failed("chan-1", model.KindProviderFetchFailed)))
	assert.Nil(t, m.Observe("owner-1", &model.StatusEvent{ChannelID: "chan-1", Status: model.SyncStatusProcessing}))
	assert.Equal(t, 1, m.Failures("chan-1"))

	alert := m.Observe("owner-1", failed("chan-1", model.KindProviderTimeout))
	require.NotNil(t, alert)
	assert.Equal(t, model.AlertSeverityWarning, alert.Severity)
	assert.Equal(t, 2, alert.ConsecutiveFailures)
	assert.Equal(t, model.KindProviderTimeout, alert.LastKind)
	assert.Equal(t, "owner-1", alert.OwnerID)
	assert.Len(t, m.Active(), 1)

	select {
	case msg := <-msgs:
		var published model.Alert
		require.NoError(t, json.Unmarshal(msg.Data, &published))
		assert.Equal(t, alert.ID, published.ID)
		assert.Equal(t, "chan-1", published.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not published")
	}

	// other channels are counted separately
	assert.Nil(t, m.Observe("owner-1", failed("chan-2", model.KindProviderTimeout)))

	assert.Nil(t, m.Observe("owner-1", failed("chan-1", model.KindProviderTimeout)))
	alert = m.Observe("owner-1", failed("chan-1", model.KindProviderTimeout))
	require.NotNil(t, alert)
	assert.Equal(t, model.AlertSeverityCritical, alert.Severity)

	m.Observe("owner-1", &model.StatusEvent{ChannelID: "chan-1", Status: model.SyncStatusSuccess})
	assert.Zero(t, m.Failures("chan-1"))
	assert.Empty(t, m.Active())
	assert.Equal(t, 1, m.Failures("chan-2"))
}

func TestAlertManagerWithoutPublisher(t *testing.T) {
	m := NewAlertManager(zaptest.NewLogger(t), nil, 0)
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		assert.Nil(t, m.Observe("owner-1", failed("chan-1", model.KindNoCredential)))
	}
	assert.NotNil(t, m.Observe("owner-1", failed("chan-1", model.KindNoCredential)))
}
