package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guseggert/clusterfixture/db"
	"github.com/guseggert/clusterfixture/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectFirstTry(t *testing.T) {
	fake := dbtest.NewFake()
	dialer := fake.Dialer(0)

	conn, err := db.Connect(context.Background(), dialer, db.DefaultTarget(), db.WithInterval(time.Millisecond))
	require.NoError(t, err)
	assert.Same(t, fake, conn)
	assert.Equal(t, 1, dialer.Calls)
	assert.Equal(t, []db.Target{{Host: "127.0.0.1", Port: 3000}}, dialer.Targets)
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	fake := dbtest.NewFake()
	dialer := fake.Dialer(3)

	start := time.Now()
	conn, err := db.Connect(context.Background(), dialer, db.DefaultTarget(),
		db.WithAttempts(5),
		db.WithInterval(20*time.Millisecond),
	)
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, 4, dialer.Calls)
	// three full delays before the fourth attempt
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestConnectExhausted(t *testing.T) {
	dialer := dbtest.NewFake().Dialer(100)

	_, err := db.Connect(context.Background(), dialer, db.Target{Host: "10.0.0.1", Port: 4000},
		db.WithAttempts(3),
		db.WithInterval(time.Millisecond),
	)

	var connErr *db.ConnectError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, 3, dialer.Calls)
	assert.ErrorContains(t, err, "10.0.0.1:4000")
	assert.ErrorContains(t, err, "attempt 3")
}

func TestConnectInvalidAttempts(t *testing.T) {
	dialer := dbtest.NewFake().Dialer(0)
	_, err := db.Connect(context.Background(), dialer, db.DefaultTarget(), db.WithAttempts(0))
	require.Error(t, err)
	assert.Equal(t, 0, dialer.Calls)
}

func TestConnectCanceled(t *testing.T) {
	dialer := dbtest.NewFake().Dialer(1000)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := db.Connect(ctx, dialer, db.DefaultTarget(),
		db.WithAttempts(1000),
		db.WithInterval(10*time.Millisecond),
	)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, dialer.Calls, 1000)
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "127.0.0.1:3000", db.DefaultTarget().String())
	assert.Equal(t, "numeric", db.NumericIndex.String())
	assert.Equal(t, "string", db.StringIndex.String())
}
