package apartment

import (
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEvent is a minimal logiface.Event implementation, capturing records.
type testEvent struct {
	logiface.UnimplementedEvent
	fields map[string]any
	msg    string
	level  logiface.Level
}

func (e *testEvent) Level() logiface.Level { return e.level }

func (e *testEvent) AddField(key string, val any) { e.fields[key] = val }

func (e *testEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

type testEventFactory struct{}

func (testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level, fields: make(map[string]any)}
}

// testEventWriter records every event written.
type testEventWriter struct {
	mu     sync.Mutex
	events []*testEvent
}

func (w *testEventWriter) Write(event *testEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *testEventWriter) find(msg string) *testEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, event := range w.events {
		if event.msg == msg {
			return event
		}
	}
	return nil
}

func newTestLogger(level logiface.Level) (*logiface.Logger[logiface.Event], *testEventWriter) {
	writer := &testEventWriter{}
	logger := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](testEventFactory{}),
		logiface.WithWriter[*testEvent](writer),
		logiface.WithLevel[*testEvent](level),
	)
	return logger.Logger(), writer
}

func TestComponentLogger_TagsComponent(t *testing.T) {
	logger, writer := newTestLogger(logiface.LevelDebug)

	componentLogger(logger, `queue`).Info().Log(`hello`)

	event := writer.find(`hello`)
	require.NotNil(t, event)
	assert.Equal(t, `queue`, event.fields[`component`])
}

func TestComponentLogger_FallsBackToDefault(t *testing.T) {
	logger, writer := newTestLogger(logiface.LevelDebug)
	SetDefaultLogger(logger)
	defer SetDefaultLogger(nil)

	componentLogger(nil, `timer`).Info().Log(`from default`)

	require.NotNil(t, writer.find(`from default`))
}

func TestComponentLogger_NilIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		componentLogger(nil, `pool`).Err().Str(`k`, `v`).Log(`dropped`)
	})
}

func TestAllowWarn_Throttles(t *testing.T) {
	limiter := newWarnLimiter()
	var allowed int
	for range 20 {
		if allowWarn(limiter, `poll`) {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
	assert.True(t, allowWarn(limiter, `other`), `categories are independent`)
}
