package main

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialURL(t *testing.T) {
	raw, err := dialURL("ws://localhost:8085/ws?trace=1", "abc", "bench")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", u.Query().Get("token"))
	assert.Equal(t, "bench", u.Query().Get("device"))
	assert.Equal(t, "1", u.Query().Get("trace"))
}

func TestEventCode(t *testing.T) {
	code, ok := eventCode([]byte(`{"type":"event","data":{"code":"INITIAL_PRESENCE_SYNC","data":{}}}`))
	assert.True(t, ok)
	assert.Equal(t, eventInitialSync, code)

	_, ok = eventCode([]byte(`{"type":"pong","id":"1"}`))
	assert.False(t, ok)

	_, ok = eventCode([]byte(`not json`))
	assert.False(t, ok)
}

func TestCalculateLatencyStats(t *testing.T) {
	assert.Equal(t, LatencyStats{}, calculateLatencyStats(nil))

	var in []int64
	for i := 100; i >= 1; i-- {
		in = append(in, (time.Duration(i) * time.Millisecond).Nanoseconds())
	}
	l := calculateLatencyStats(in)
	assert.Equal(t, 100, l.Count)
	assert.InDelta(t, 1, l.Min, 1e-9)
	assert.InDelta(t, 100, l.Max, 1e-9)
	assert.InDelta(t, 50.5, l.Avg, 1e-9)
	assert.InDelta(t, 51, l.P50, 1e-9)
	assert.InDelta(t, 100, l.P99, 1e-9)
	// 输入顺序不变
	assert.Equal(t, (100 * time.Millisecond).Nanoseconds(), in[0])
}

func TestClientSettle(t *testing.T) {
	c := &client{pending: map[string]time.Time{"1-1": time.Now().Add(-time.Second)}}

	d, ok := c.settle("1-1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, d, time.Second)

	_, ok = c.settle("1-1")
	assert.False(t, ok)
}
