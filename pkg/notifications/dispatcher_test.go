package notifications

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotlab/commons/pkg/members"
)

func newTestDispatcher(sender Sender) *Dispatcher {
	d := NewDispatcher(sender, nil)
	d.baseBackoff = time.Millisecond
	return d
}

func TestDispatcherDelivers(t *testing.T) {
	var delivered atomic.Int32
	d := newTestDispatcher(SenderFunc(func(_ context.Context, n members.Notification) error {
		delivered.Add(1)
		return nil
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Send(context.Background(), members.Notification{Kind: "invitation-submitted"}))
	}
	d.Shutdown(5 * time.Second)

	assert.Equal(t, int32(3), delivered.Load())
	recent := d.Recent()
	require.Len(t, recent, 3)
	assert.True(t, recent[0].Succeeded)
	assert.Equal(t, 1, recent[0].Attempts)
}

func TestDispatcherRetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	d := newTestDispatcher(SenderFunc(func(_ context.Context, n members.Notification) error {
		if attempts.Add(1) < 3 {
			return fmt.Errorf("transient failure")
		}
		return nil
	}))

	require.NoError(t, d.Send(context.Background(), members.Notification{Kind: "invitation-accepted"}))
	d.Shutdown(5 * time.Second)

	assert.Equal(t, int32(3), attempts.Load())
	recent := d.Recent()
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Succeeded)
	assert.Equal(t, 3, recent[0].Attempts)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	d := newTestDispatcher(SenderFunc(func(_ context.Context, n members.Notification) error {
		return fmt.Errorf("permanent failure")
	}))

	require.NoError(t, d.Send(context.Background(), members.Notification{Kind: "invitation-declined"}))
	d.Shutdown(5 * time.Second)

	recent := d.Recent()
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Succeeded)
	assert.Equal(t, defaultMaxAttempts, recent[0].Attempts)
	assert.Contains(t, recent[0].LastError, "permanent failure")
}

func TestDispatcherRejectsAfterShutdown(t *testing.T) {
	d := newTestDispatcher(SenderFunc(func(_ context.Context, n members.Notification) error {
		return nil
	}))
	d.Shutdown(time.Second)

	err := d.Send(context.Background(), members.Notification{Kind: "invitation-submitted"})
	assert.Error(t, err)
}

func TestDeliveryLogIsBounded(t *testing.T) {
	d := newTestDispatcher(SenderFunc(func(_ context.Context, n members.Notification) error {
		return nil
	}))

	for i := 0; i < defaultLogSize+50; i++ {
		require.NoError(t, d.Send(context.Background(), members.Notification{Kind: "invitation-submitted"}))
	}
	d.Shutdown(10 * time.Second)

	assert.Len(t, d.Recent(), defaultLogSize)
}
