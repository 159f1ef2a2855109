package observability

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManagerDefaults(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})

	sm := NewShutdownManager(logger, nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)

	sm = NewShutdownManager(logger, nil, 5*time.Second)
	assert.Equal(t, 5*time.Second, sm.shutdownTimeout)
}

func TestWaitForShutdownRunsCleanups(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, nil, time.Second)

	var ran atomic.Int32
	sm.RegisterShutdownFunc(func(context.Context) error {
		ran.Add(1)
		return nil
	})
	sm.RegisterShutdownFunc(func(context.Context) error {
		ran.Add(1)
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}()

	require.NoError(t, sm.WaitForShutdown())
	assert.Equal(t, int32(2), ran.Load())
}

func TestWaitForShutdownReportsCleanupError(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, nil, time.Second)

	sm.RegisterShutdownFunc(func(context.Context) error {
		return errors.New("close failed")
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}()

	err := sm.WaitForShutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
}
