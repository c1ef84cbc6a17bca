package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testService struct {
	BaseService

	started int
	stopped int
	failing bool
}

func newTestService(name string) *testService {
	ts := &testService{}
	ts.BaseService = *NewBaseService(nil, name, ts)
	return ts
}

func (ts *testService) OnStart(context.Context) error {
	if ts.failing {
		return errors.New("refusing to start")
	}
	ts.started++
	return nil
}

func (ts *testService) OnStop() { ts.stopped++ }

func TestBaseServiceWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService("TestService")
	require.NoError(t, ts.Start(ctx))

	waitFinished := make(chan struct{})
	go func() {
		ts.Wait()
		waitFinished <- struct{}{}
	}()

	go ts.Stop() //nolint:errcheck // ignore for tests

	select {
	case <-waitFinished:
		// all good
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected Wait() to finish within 100 ms.")
	}
}

func TestBaseServiceStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ts := newTestService("TestService")
	require.NoError(t, ts.Start(ctx))
	require.True(t, ts.IsRunning())

	cancel()
	ts.Wait()
	require.False(t, ts.IsRunning())
	require.Equal(t, 1, ts.stopped)
}

func TestBaseServiceDoubleStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService("TestService")
	require.ErrorIs(t, ts.Stop(), ErrNotStarted)
	require.NoError(t, ts.Start(ctx))
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, ts.Stop())
	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
}

func TestGroupRollsBackOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newTestService("first")
	second := newTestService("second")
	second.failing = true

	g := NewGroup(nil, "group", first, nil, second)
	require.Error(t, g.Start(ctx))
	require.Equal(t, 1, first.started)
	require.Equal(t, 1, first.stopped)
	require.False(t, g.IsRunning())
}

func TestGroupStopsMembers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newTestService("first")
	second := newTestService("second")

	g := NewGroup(nil, "group", first, second)
	require.NoError(t, g.Start(ctx))
	require.True(t, first.IsRunning())
	require.True(t, second.IsRunning())

	require.NoError(t, g.Stop())
	require.False(t, first.IsRunning())
	require.False(t, second.IsRunning())
}
