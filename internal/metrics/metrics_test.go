package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/message"
)

// TestCollectorRecords tests that every hook lands in its metric
func TestCollectorRecords(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := New(WithRegistry(reg), WithSubsystem("server"))

	c.ConnectionOpened("tcp")
	c.ConnectionOpened("websocket")
	c.ConnectionClosed(skillbridge.ErrorKickedOut)
	c.BytesReceived(100)
	c.BytesReceived(0)
	c.FrameReceived()
	c.FrameSent(12)
	c.RateLimited()
	c.QueueDepth(7)
	c.MessageDispatched(message.KindFirstTestRequest, 5*time.Millisecond)
	c.MessageDropped(message.KindHeartbeatRequest)
	c.HandlerFailed(message.KindFirstTestRequest)
	c.Reconnect()

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"connections", c.connections, 1},
		{"connections_total tcp", c.connectionsTotal.WithLabelValues("tcp"), 1},
		{"disconnects kicked", c.disconnects.WithLabelValues(skillbridge.ErrorKickedOut.String()), 1},
		{"bytes in", c.bytesIn, 100},
		{"frames in", c.framesIn, 1},
		{"frames out", c.framesOut, 1},
		{"bytes out", c.bytesOut, 12},
		{"rate limited", c.rateLimited, 1},
		{"queue depth", c.queueDepth, 7},
		{"dispatched", c.dispatched.WithLabelValues(message.KindFirstTestRequest.String()), 1},
		{"dropped", c.dropped.WithLabelValues(message.KindHeartbeatRequest.String()), 1},
		{"handler errors", c.handlerErrors.WithLabelValues(message.KindFirstTestRequest.String()), 1},
		{"reconnects", c.reconnects, 1},
	}

	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.collector); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(c.dispatchDuration); n != 1 {
		t.Errorf("dispatch duration series = %d, want 1", n)
	}
}

// TestNilCollector tests that a nil collector is a no-op
func TestNilCollector(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.ConnectionOpened("tcp")
	c.ConnectionClosed(skillbridge.ErrorNone)
	c.BytesReceived(1)
	c.FrameReceived()
	c.FrameSent(1)
	c.RateLimited()
	c.QueueDepth(1)
	c.MessageDispatched(message.KindFirstTestRequest, time.Second)
	c.MessageDropped(message.KindFirstTestRequest)
	c.HandlerFailed(message.KindFirstTestRequest)
	c.Reconnect()
}
