package feedsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func fastSubscriptionSettings() *FeedEventSubscriptionSettings {
	settings := DefaultFeedEventSubscriptionSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.WsHandshakeTimeout = 1 * time.Second
	return settings
}

// one websocket event endpoint with scripted per-connection behavior
type eventServer struct {
	upgrader websocket.Upgrader
	server   *httptest.Server

	// called with the 1-based connection index; return to close the conn
	handle func(connectIndex int, ws *websocket.Conn)

	stateLock    sync.Mutex
	connectCount int
}

func newEventServer(handle func(connectIndex int, ws *websocket.Conn)) *eventServer {
	eventServer := &eventServer{
		handle: handle,
	}
	eventServer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := eventServer.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		eventServer.stateLock.Lock()
		eventServer.connectCount += 1
		connectIndex := eventServer.connectCount
		eventServer.stateLock.Unlock()

		eventServer.handle(connectIndex, ws)
	}))
	return eventServer
}

func (self *eventServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *eventServer) connects() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectCount
}

func (self *eventServer) close() {
	self.server.Close()
}

func holdOpen(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSubscriptionIdempotentEnsureStarted(t *testing.T) {
	server := newEventServer(func(connectIndex int, ws *websocket.Conn) {
		holdOpen(ws)
	})
	defer server.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := NewFeedEventSubscription(
		cancelCtx,
		NewErrorClassifierWithDefaults(),
		fastSubscriptionSettings(),
	)
	defer subscription.Stop()

	config := &SubscriptionConfig{
		Url: server.url(),
	}
	subscription.EnsureStarted(config)
	subscription.EnsureStarted(config)

	waitFor(t, 2*time.Second, func() bool {
		return subscription.Health() == SubscriptionHealthLive
	})
	time.Sleep(100 * time.Millisecond)

	// identical config: exactly one connect
	assert.Equal(t, 1, server.connects())
	subscription.EnsureStarted(config)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, server.connects())

	// a different config tears down the old connection first
	nextConfig := &SubscriptionConfig{
		Url: server.url(),
	}
	subscription.EnsureStarted(nextConfig)

	waitFor(t, 2*time.Second, func() bool {
		return server.connects() == 2 && subscription.Health() == SubscriptionHealthLive
	})
}

func TestSubscriptionReconnectAfterDrop(t *testing.T) {
	server := newEventServer(func(connectIndex int, ws *websocket.Conn) {
		if connectIndex == 1 {
			ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"timeline","activity_type":"Create","activity_id":"x1"}`))
			// drop the connection; the client must treat this like an error
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"timeline","activity_type":"Create","activity_id":"x2"}`))
		holdOpen(ws)
	})
	defer server.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := NewFeedEventSubscription(
		cancelCtx,
		NewErrorClassifierWithDefaults(),
		fastSubscriptionSettings(),
	)
	defer subscription.Stop()

	var stateLock sync.Mutex
	receivedIds := []string{}
	healths := []SubscriptionHealth{}

	removeEventCallback := subscription.AddEventCallback(func(event *FeedEvent) {
		stateLock.Lock()
		defer stateLock.Unlock()
		receivedIds = append(receivedIds, event.TargetId)
	})
	defer removeEventCallback()
	removeHealthCallback := subscription.AddHealthCallback(func(health SubscriptionHealth) {
		stateLock.Lock()
		defer stateLock.Unlock()
		healths = append(healths, health)
	})
	defer removeHealthCallback()

	subscription.EnsureStarted(&SubscriptionConfig{
		Url: server.url(),
	})

	waitFor(t, 5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return len(receivedIds) == 2
	})

	stateLock.Lock()
	assert.Equal(t, []string{"x1", "x2"}, receivedIds)
	retried := false
	for _, health := range healths {
		if health == SubscriptionHealthRetrying {
			retried = true
		}
	}
	assert.Equal(t, true, retried)
	stateLock.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		return subscription.Health() == SubscriptionHealthLive
	})
	if server.connects() < 2 {
		t.Fatalf("expected a reconnect, got %d connects", server.connects())
	}
}

func TestSubscriptionHealthNotificationOrder(t *testing.T) {
	server := newEventServer(func(connectIndex int, ws *websocket.Conn) {
		holdOpen(ws)
	})
	defer server.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := NewFeedEventSubscription(
		cancelCtx,
		NewErrorClassifierWithDefaults(),
		fastSubscriptionSettings(),
	)
	defer subscription.Stop()

	var stateLock sync.Mutex
	healths := []SubscriptionHealth{}
	removeHealthCallback := subscription.AddHealthCallback(func(health SubscriptionHealth) {
		stateLock.Lock()
		defer stateLock.Unlock()
		healths = append(healths, health)
	})
	defer removeHealthCallback()

	// racing restarts: every replaced stream's notifications must stay behind
	// the successor's
	n := 8
	var startGroup sync.WaitGroup
	for i := 0; i < n; i += 1 {
		startGroup.Add(1)
		go func() {
			defer startGroup.Done()
			subscription.EnsureStarted(&SubscriptionConfig{
				Url: server.url(),
			})
		}()
	}
	startGroup.Wait()

	waitFor(t, 5*time.Second, func() bool {
		return subscription.Health() == SubscriptionHealthLive
	})
	time.Sleep(200 * time.Millisecond)

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, SubscriptionHealthConnecting, healths[0])
	// no stale notification lands after the final stream goes live
	assert.Equal(t, SubscriptionHealthLive, healths[len(healths)-1])
}

func TestSubscriptionStopDropsEvents(t *testing.T) {
	release := make(chan struct{})
	server := newEventServer(func(connectIndex int, ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"timeline","activity_id":"x1"}`))
		<-release
		// a late event racing with stop must be unobservable
		ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"timeline","activity_id":"x2"}`))
		holdOpen(ws)
	})
	defer server.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := NewFeedEventSubscription(
		cancelCtx,
		NewErrorClassifierWithDefaults(),
		fastSubscriptionSettings(),
	)

	var stateLock sync.Mutex
	receivedIds := []string{}
	removeEventCallback := subscription.AddEventCallback(func(event *FeedEvent) {
		stateLock.Lock()
		defer stateLock.Unlock()
		receivedIds = append(receivedIds, event.TargetId)
	})
	defer removeEventCallback()

	subscription.EnsureStarted(&SubscriptionConfig{
		Url: server.url(),
	})

	waitFor(t, 2*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return len(receivedIds) == 1
	})

	subscription.Stop()
	assert.Equal(t, SubscriptionHealthStopped, subscription.Health())
	close(release)

	time.Sleep(200 * time.Millisecond)

	stateLock.Lock()
	assert.Equal(t, []string{"x1"}, receivedIds)
	stateLock.Unlock()
}

func TestSubscriptionKindFilter(t *testing.T) {
	server := newEventServer(func(connectIndex int, ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"notification","activity_id":"n1"}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"chat","activity_id":"c1"}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"chat","activity_id":"c2"}`))
		holdOpen(ws)
	})
	defer server.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := NewFeedEventSubscription(
		cancelCtx,
		NewErrorClassifierWithDefaults(),
		fastSubscriptionSettings(),
	)
	defer subscription.Stop()

	var stateLock sync.Mutex
	receivedIds := []string{}
	removeEventCallback := subscription.AddEventCallback(func(event *FeedEvent) {
		stateLock.Lock()
		defer stateLock.Unlock()
		receivedIds = append(receivedIds, event.TargetId)
	})
	defer removeEventCallback()

	subscription.EnsureStarted(&SubscriptionConfig{
		Url:   server.url(),
		Kinds: []string{KindChat},
	})

	waitFor(t, 2*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return len(receivedIds) == 2
	})

	stateLock.Lock()
	assert.Equal(t, []string{"c1", "c2"}, receivedIds)
	stateLock.Unlock()
}

func TestSubscriptionNonTransientDialStops(t *testing.T) {
	// a plain http endpoint rejects the upgrade; that is not a connectivity
	// problem and must not retry forever
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer server.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := NewFeedEventSubscription(
		cancelCtx,
		NewErrorClassifierWithDefaults(),
		fastSubscriptionSettings(),
	)
	defer subscription.Stop()

	subscription.EnsureStarted(&SubscriptionConfig{
		Url: "ws" + strings.TrimPrefix(server.URL, "http"),
	})

	waitFor(t, 2*time.Second, func() bool {
		return subscription.Health() == SubscriptionHealthStopped
	})
}
