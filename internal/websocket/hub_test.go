package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
)

func runHub(t *testing.T) *Hub {
	h := NewHub(logger.Nop())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func receive(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_BroadcastsOnlyToJobSubscribers(t *testing.T) {
	h := runHub(t)
	watcher := &Client{JobID: "job-1", Send: make(chan []byte, 4)}
	other := &Client{JobID: "job-2", Send: make(chan []byte, 4)}
	h.Register(watcher)
	h.Register(other)
	require.Eventually(t, func() bool { return h.Subscribers("job-1") == 1 }, time.Second, time.Millisecond)

	h.BroadcastStatus("job-1", model.JobStatusRunning)
	msg := receive(t, watcher)
	assert.Equal(t, "status", msg["type"])
	assert.Equal(t, "RUNNING", msg["status"])

	h.BroadcastError("job-1", model.ErrorCodeTimeout, "generation timed out")
	msg = receive(t, watcher)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, map[string]interface{}{"code": "TIMEOUT", "message": "generation timed out"}, msg["error"])

	assert.Empty(t, other.Send)
}

func TestHub_UnregisterClosesClient(t *testing.T) {
	h := runHub(t)
	c := &Client{JobID: "job-1", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Unregister(c)

	_, open := <-c.Send
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("job-1"))
}

func TestHub_PublishWithoutRunDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < 300; i++ {
		h.BroadcastComplete("job-1", map[string]int{"i": i})
	}
}
