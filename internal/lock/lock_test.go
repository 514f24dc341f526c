package lock

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/chansync/internal/model"
)

func TestLocalLeaserExclusive(t *testing.T) {
	l := NewLocalLeaser()

	lease, err := l.Acquire(context.Background(), "chan-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "chan-1")
	assert.True(t, errors.Is(err, model.ErrChannelBusy))

	// other channels are independent
	other, err := l.Acquire(context.Background(), "chan-2")
	require.NoError(t, err)
	require.NoError(t, other.Release(context.Background()))

	acquired := make(chan struct{})
	go func() {
		second, err := l.Acquire(context.Background(), "chan-1")
		if err == nil {
			second.Release(context.Background())
		}
		close(acquired)
	}()

	require.NoError(t, lease.Release(context.Background()))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire released lease")
	}

	assert.Error(t, lease.Release(context.Background()))
}

func TestLocalLeaserDropsIdleSlots(t *testing.T) {
	l := NewLocalLeaser()

	lease, err := l.Acquire(context.Background(), "chan-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "chan-1")
	require.Error(t, err)
	assert.Len(t, l.slots, 1)

	require.NoError(t, lease.Release(context.Background()))
	assert.Empty(t, l.slots)

	for _, key := range []string{"chan-2", "chan-3", "chan-4"} {
		lease, err := l.Acquire(context.Background(), key)
		require.NoError(t, err)
		require.NoError(t, lease.Release(context.Background()))
	}
	assert.Empty(t, l.slots)

	// a slot dropped while released is recreated on the next acquire
	lease, err = l.Acquire(context.Background(), "chan-1")
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
}

func TestPostgresLeaserAcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := LockID("chan-1")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	l := NewPostgresLeaser(zaptest.NewLogger(t), db, time.Millisecond)
	lease, err := l.Acquire(context.Background(), "chan-1")
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLeaseDiscardsConnWhenUnlockFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := LockID("chan-1")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock").
		WithArgs(id).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectClose()

	l := NewPostgresLeaser(zaptest.NewLogger(t), db, time.Millisecond)
	lease, err := l.Acquire(context.Background(), "chan-1")
	require.NoError(t, err)

	err = lease.Release(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to release lock")

	// the session that may still hold the lock is closed, not pooled
	assert.Zero(t, db.Stats().OpenConnections)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLeaserBusy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := LockID("chan-1")
	for i := 0; i < 100; i++ {
		mock.ExpectQuery("SELECT pg_try_advisory_lock").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	}

	l := NewPostgresLeaser(zaptest.NewLogger(t), db, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx, "chan-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrChannelBusy))
}

func TestPostgresLeaserQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(LockID("chan-1")).
		WillReturnError(sql.ErrConnDone)

	l := NewPostgresLeaser(zaptest.NewLogger(t), db, time.Millisecond)
	_, err = l.Acquire(context.Background(), "chan-1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockIDIsStable(t *testing.T) {
	assert.Equal(t, LockID("chan-1"), LockID("chan-1"))
	assert.NotEqual(t, LockID("chan-1"), LockID("chan-2"))
}
