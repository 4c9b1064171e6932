package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/common/telemetry"
	"github.com/flowmesh/diaflow/engine/eventbus"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/state"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	s := state.New(state.NewMemoryBackend(), 32, time.Minute, testLogger(), &telemetry.Counters{})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChannelRoundTrip(t *testing.T) {
	assert.Equal(t, "diaflow:events:exec-1", Channel("exec-1"))
	assert.Equal(t, execution.ID("exec-1"), executionFromChannel("diaflow:events:exec-1"))
	assert.Equal(t, execution.ID(""), executionFromChannel("other:events:exec-1"))
}

func TestPublisherBridgesBusToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := rdb.Subscribe(ctx, Channel("exec-1"))
	t.Cleanup(func() { pubsub.Close() })
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)

	pub := NewPublisher(bus, rdb, testLogger())
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		pub.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.Event{
		Type:        eventbus.NodeCompleted,
		ExecutionID: "exec-1",
		NodeID:      "n1",
		Data:        map[string]any{"status": "COMPLETED"},
	})

	select {
	case msg := <-pubsub.Channel():
		var ev eventbus.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, eventbus.NodeCompleted, ev.Type)
		assert.Equal(t, execution.ID("exec-1"), ev.ExecutionID)
		assert.Equal(t, "COMPLETED", ev.Data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached redis")
	}

	cancel()
	<-pubDone
}

func TestSubscriberQueuesForHub(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The hub is not running; Broadcast lands on its buffered queue.
	hub := NewHub(testLogger())
	sub := NewSubscriber(rdb, hub, testLogger())
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		sub.Run(ctx)
	}()

	// Republish until the pattern subscription is live.
	require.Eventually(t, func() bool {
		return mr.Publish(Channel("exec-7"), `{"type":"node_started"}`) > 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case msg := <-hub.broadcast:
		assert.Equal(t, execution.ID("exec-7"), msg.ExecutionID)
		assert.JSONEq(t, `{"type":"node_started"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the hub queue")
	}

	cancel()
	<-subDone
}

func TestWebSocketClientReceivesBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	srv := httptest.NewServer(NewServer("diaflow", testStore(t), bus, hub, testLogger()).Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?execution_id=exec-1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Broadcast("exec-1", []byte(`{"type":"node_started","node_id":"n1"}`))
	hub.Broadcast("exec-2", []byte(`{"type":"node_started","node_id":"other"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"node_id":"n1"`)

	// Only exec-1 traffic arrives on this connection.
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	conn.Close()
	cancel()
	<-hubDone
}

func TestWebSocketRequiresExecutionID(t *testing.T) {
	hub := NewHub(testLogger())
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	srv := httptest.NewServer(NewServer("diaflow", testStore(t), bus, hub, testLogger()).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerHealthListAndDetail(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateExecution(ctx, "exec-1", "d1", nil)
	require.NoError(t, err)
	done := execution.NewState("exec-2", "d2")
	done.Status = execution.StatusCompleted
	require.NoError(t, store.PersistFinal(ctx, done))

	hub := NewHub(testLogger())
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	srv := httptest.NewServer(NewServer("diaflow", store, bus, hub, testLogger()).Handler())
	t.Cleanup(srv.Close)

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "diaflow", body["service"])

	code, body = get("/executions")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])

	code, body = get("/executions?status=completed")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = get("/executions/exec-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "exec-1", body["id"])
	assert.Equal(t, "PENDING", body["status"])

	code, _ = get("/executions/ghost")
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Get(srv.URL + "/executions?limit=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEStreamEndsOnCompletion(t *testing.T) {
	hub := NewHub(testLogger())
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	srv := httptest.NewServer(NewServer("diaflow", testStore(t), bus, hub, testLogger()).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/executions/exec-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.NodeStarted, ExecutionID: "exec-1", NodeID: "n1"})
	bus.Publish(eventbus.Event{Type: eventbus.NodeStarted, ExecutionID: "other", NodeID: "nx"})
	bus.Publish(eventbus.Event{
		Type:        eventbus.ExecutionCompleted,
		ExecutionID: "exec-1",
		Data:        map[string]any{"status": "COMPLETED"},
	})

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}

	// The foreign execution's event never appears, and the stream
	// closed itself after the terminal event.
	require.Len(t, events, 2)
	assert.Contains(t, events[0], `"node_started"`)
	assert.NotContains(t, events[0], `"nx"`)
	assert.Contains(t, events[1], `"execution_completed"`)
}
