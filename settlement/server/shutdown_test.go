//go:build unit

package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps = append(r.steps, step)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.steps...)
}

type fakeWorker struct {
	rec *recorder
	err error
}

func (w *fakeWorker) Shutdown(context.Context) error {
	w.rec.add("worker")

	return w.err
}

func newApp() *fiber.App {
	return fiber.New(fiber.Config{DisableStartupMessage: true})
}

func TestStart_NoServerConfigured(t *testing.T) {
	sm := NewServerManager(nil, nil)

	err := sm.StartWithGracefulShutdownWithError()
	assert.ErrorIs(t, err, ErrNoServerConfigured)
}

func TestStart_ShutdownOrder(t *testing.T) {
	rec := &recorder{}
	shutdown := make(chan struct{})

	sm := NewServerManager(nil, log.NewNop()).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithWorker("dispatcher", &fakeWorker{rec: rec, err: errors.New("drain timeout")}).
		WithCloser("store", func() error { rec.add("store"); return nil }).
		WithCloser("redis", func() error { rec.add("redis"); return errors.New("already closed") }).
		WithShutdownChannel(shutdown).
		WithShutdownTimeout(2 * time.Second)

	done := make(chan error, 1)

	go func() { done <- sm.StartWithGracefulShutdownWithError() }()

	<-sm.ServersStarted()
	close(shutdown)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	assert.Equal(t, []string{"worker", "store", "redis"}, rec.list())
}

func TestStart_StartupErrorTriggersShutdown(t *testing.T) {
	rec := &recorder{}

	sm := NewServerManager(nil, nil).
		WithHTTPServer(newApp(), "not-a-valid-address").
		WithCloser("store", func() error { rec.add("store"); return nil }).
		WithShutdownChannel(make(chan struct{}))

	done := make(chan error, 1)

	go func() { done <- sm.StartWithGracefulShutdownWithError() }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP server")
	case <-time.After(5 * time.Second):
		t.Fatal("startup error was not surfaced")
	}

	assert.Equal(t, []string{"store"}, rec.list())
}

func TestExecuteShutdown_RunsOnce(t *testing.T) {
	rec := &recorder{}

	sm := NewServerManager(nil, nil).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithCloser("store", func() error { rec.add("store"); return nil })

	sm.executeShutdown()
	sm.executeShutdown()

	assert.Equal(t, []string{"store"}, rec.list())
}

func TestWithOptions_IgnoreNil(t *testing.T) {
	sm := NewServerManager(nil, nil).
		WithWorker("none", nil).
		WithCloser("none", nil).
		WithShutdownTimeout(-1)

	assert.Empty(t, sm.workers)
	assert.Empty(t, sm.closers)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
}

func TestRun_ImplementsApp(t *testing.T) {
	shutdown := make(chan struct{})
	sm := NewServerManager(nil, nil).
		WithHTTPServer(newApp(), "127.0.0.1:0").
		WithShutdownChannel(shutdown)

	launcher := settlement.NewLauncher(settlement.WithLogger(log.NewNop()), settlement.RunApp("http", sm))

	done := make(chan error, 1)

	go func() { done <- launcher.RunWithError() }()

	<-sm.ServersStarted()
	close(shutdown)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("launcher did not return")
	}
}
