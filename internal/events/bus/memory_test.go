package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsforge/wsforge/internal/common/logger"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectRunState, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	event := NewEvent("run.state", "test", map[string]interface{}{"state": "RUNNING"})
	require.NoError(t, b.Publish(context.Background(), SubjectRunState, event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
	default:
		t.Fatal("handler not invoked")
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"workspace.run.state", "workspace.run.state", true},
		{"workspace.*.state", "workspace.run.state", true},
		{"workspace.>", "workspace.run.state", true},
		{"workspace.*", "workspace.run.state", false},
		{"agent.>", "workspace.run.state", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			b := NewMemoryEventBus(logger.Default())
			defer b.Close()

			hit := false
			_, err := b.Subscribe(tt.pattern, func(ctx context.Context, e *Event) error {
				hit = true
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, b.Publish(context.Background(), tt.subject, NewEvent("t", "test", nil)))
			assert.Equal(t, tt.want, hit, "pattern %q against %q", tt.pattern, tt.subject)
		})
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	calls := 0
	sub, err := b.Subscribe("x", func(ctx context.Context, e *Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	_ = b.Publish(context.Background(), "x", NewEvent("t", "test", nil))
	assert.Zero(t, calls, "handler invoked after unsubscribe")
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("t", "test", nil)))
	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
