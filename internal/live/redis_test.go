// ABOUTME: Tests for the Redis invalidation relay
// ABOUTME: Message handling runs offline; the round trip needs COVEN_CHAT_TEST_REDIS_URL

package live

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func subscribeCounter(t *testing.T, h *Hub, key Key) (*Subscription[int64], *counter) {
	t.Helper()
	c := &counter{deps: []Key{key}}
	sub, err := Subscribe(t.Context(), h, "count", c.run)
	require.NoError(t, err)
	receive(t, sub.C())
	return sub, c
}

func TestRedisRelay_HandlePeerMessage(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Close()

	key := Row(IndexConversationMessages, "c1")
	sub, _ := subscribeCounter(t, h, key)

	r := &RedisRelay{hub: h, origin: "self", logger: testLogger()}
	payload, err := json.Marshal(relayMessage{Origin: "peer", Keys: []Key{key}})
	require.NoError(t, err)

	r.handle(string(payload))
	assert.Equal(t, int64(2), receive(t, sub.C()))
}

func TestRedisRelay_HandleSkipsOwnOrigin(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Close()

	key := Row(TableUsers, "u1")
	sub, c := subscribeCounter(t, h, key)

	r := &RedisRelay{hub: h, origin: "self", logger: testLogger()}
	payload, err := json.Marshal(relayMessage{Origin: "self", Keys: []Key{key}})
	require.NoError(t, err)

	r.handle(string(payload))
	assertQuiet(t, sub.C())
	assert.Equal(t, int64(1), c.runs.Load())
}

func TestRedisRelay_HandleMalformedPayload(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Close()

	key := Row(TableUsers, "u1")
	sub, _ := subscribeCounter(t, h, key)

	r := &RedisRelay{hub: h, origin: "self", logger: testLogger()}
	r.handle("{not json")
	assertQuiet(t, sub.C())
}

func TestNewRedisRelay_BadURL(t *testing.T) {
	_, err := NewRedisRelay(t.Context(), "not-a-url", "", NewHub(nil), testLogger())
	assert.Error(t, err)
}

// TestRedisRelay_RoundTrip runs two relays against a real Redis and checks that
// a write published on one node re-runs a subscription on the other.
func TestRedisRelay_RoundTrip(t *testing.T) {
	url := os.Getenv("COVEN_CHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COVEN_CHAT_TEST_REDIS_URL not set")
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	channel := "coven-chat-test:" + testChannelSuffix()

	hubA, hubB := NewHub(testLogger()), NewHub(testLogger())
	defer hubA.Close()
	defer hubB.Close()

	relayA, err := NewRedisRelay(ctx, url, channel, hubA, testLogger())
	require.NoError(t, err)
	defer relayA.Close()
	relayB, err := NewRedisRelay(ctx, url, channel, hubB, testLogger())
	require.NoError(t, err)
	defer relayB.Close()

	go func() { _ = relayB.Run(ctx) }()

	key := Row(IndexUserConversations, "u1")
	subA, _ := subscribeCounter(t, hubA, key)
	subB, _ := subscribeCounter(t, hubB, key)

	// The subscriber on B may not be confirmed yet; retry until it lands
	require.Eventually(t, func() bool {
		if err := relayA.Publish(ctx, key); err != nil {
			return false
		}
		select {
		case <-subB.C():
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)

	// Local invalidation happens without Redis
	receive(t, subA.C())
}

// testChannelSuffix isolates concurrent test runs on a shared Redis.
func testChannelSuffix() string {
	return time.Now().Format("20060102150405.000000000")
}
