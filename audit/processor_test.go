package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/enrichment-pipeline/pkg/bus"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func newProcessor(t *testing.T) (*AuditProcessor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewAuditProcessor(rdb, noop.NewTracerProvider().Tracer("test")), mr
}

func eventMsg(t *testing.T, ev flow.PipelineEvent) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return &nats.Msg{Subject: bus.Subject(ev.Event), Data: data}
}

func TestProcess(t *testing.T) {
	tests := []struct {
		name        string
		msg         func(t *testing.T) *nats.Msg
		setupRedis  func(mr *miniredis.Miniredis)
		permanent   bool
		wantErr     bool
		expectRedis int
	}{
		{
			name: "valid event",
			msg: func(t *testing.T) *nats.Msg {
				return eventMsg(t, flow.PipelineEvent{ID: "e1", ItemID: "item-1", Event: flow.EventEnriched, State: string(flow.StateEnriched)})
			},
			expectRedis: 1,
		},
		{
			name: "invalid json",
			msg: func(*testing.T) *nats.Msg {
				return &nats.Msg{Subject: "pipeline.item.queued", Data: []byte("invalid-json")}
			},
			permanent: true,
			wantErr:   true,
		},
		{
			name: "missing item id",
			msg: func(t *testing.T) *nats.Msg {
				return eventMsg(t, flow.PipelineEvent{Event: flow.EventQueued})
			},
			permanent: true,
			wantErr:   true,
		},
		{
			name: "redis error",
			msg: func(t *testing.T) *nats.Msg {
				return eventMsg(t, flow.PipelineEvent{ID: "e2", ItemID: "item-2", Event: flow.EventRetried})
			},
			setupRedis: func(mr *miniredis.Miniredis) { mr.SetError("mock redis error") },
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, mr := newProcessor(t)
			if tt.setupRedis != nil {
				tt.setupRedis(mr)
			}

			err := proc.Process(context.Background(), tt.msg(t))
			if !tt.wantErr {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				var perm *bus.PermanentError
				assert.Equal(t, tt.permanent, errors.As(err, &perm))
			}

			mr.SetError("")
			if tt.expectRedis > 0 {
				list, err := mr.List(flow.AuditEvents)
				require.NoError(t, err)
				assert.Len(t, list, tt.expectRedis)
			} else {
				assert.False(t, mr.Exists(flow.AuditEvents))
			}
		})
	}
}

func TestProcess_CapsList(t *testing.T) {
	proc, mr := newProcessor(t)
	proc.MaxEvents = 3

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, proc.Process(context.Background(), eventMsg(t, flow.PipelineEvent{ID: id, ItemID: id, Event: flow.EventQueued})))
	}

	list, err := mr.List(flow.AuditEvents)
	require.NoError(t, err)
	require.Len(t, list, 3)
	var first flow.PipelineEvent
	require.NoError(t, json.Unmarshal([]byte(list[0]), &first))
	assert.Equal(t, "c", first.ItemID)
}
