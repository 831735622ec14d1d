//go:build unit

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/log"
)

type testLogger struct {
	mu       sync.Mutex
	messages []string
	fields   [][]log.Field
	logged   chan struct{}
}

func newTestLogger() *testLogger {
	return &testLogger{logged: make(chan struct{}, 1)}
}

func (l *testLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.fields = append(l.fields, fields)
	l.mu.Unlock()

	select {
	case l.logged <- struct{}{}:
	default:
	}
}

func (l *testLogger) waitForLog(timeout time.Duration) bool {
	select {
	case <-l.logged:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *testLogger) snapshot() ([]string, [][]log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.messages...), append([][]log.Field(nil), l.fields...)
}
