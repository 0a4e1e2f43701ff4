package feedsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func newTestCoordinator(ctx context.Context, pollTimeout time.Duration) *FeedCoordinator {
	settings := DefaultFeedCoordinatorSettings()
	settings.PollTimeout = pollTimeout
	settings.Subscription = fastSubscriptionSettings()
	return NewFeedCoordinator(ctx, NewErrorClassifierWithDefaults(), settings)
}

func TestCoordinatorRouting(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := newTestCoordinator(cancelCtx, 0)
	defer coordinator.Close()

	timelineFetcher := newScriptedFetcher()
	timelineFetcher.pages[""] = &FeedPage{
		Items: []*FeedItem{
			{Id: "a", TimestampMs: 100},
		},
	}
	timelineFetcher.newest = []*FeedItem{
		{Id: "b", TimestampMs: 200},
	}
	timeline := newTestController(timelineFetcher, KindTimeline, "")
	defer timeline.Close()

	threadFetcher := newScriptedFetcher()
	threadFetcher.pages[""] = &FeedPage{
		Items: []*FeedItem{},
	}
	thread := newTestController(threadFetcher, KindChat, "thread-1")
	defer thread.Close()

	coordinator.Register(timeline)
	coordinator.Register(thread)
	// double register is a no-op
	coordinator.Register(timeline)

	timeline.Refresh()
	thread.Refresh()

	coordinator.route(&FeedEvent{
		Kind:         KindTimeline,
		ActivityType: "Create",
	})

	waitFor(t, 1*time.Second, func() bool {
		return 2 == len(timeline.Items())
	})

	// the chat controller saw nothing
	_, newestCount := threadFetcher.counts()
	assert.Equal(t, 0, newestCount)

	// thread-scoped routing
	coordinator.route(&FeedEvent{
		Kind:         KindChat,
		TargetId:     "thread-2",
		ActivityType: "message",
	})
	time.Sleep(100 * time.Millisecond)
	_, newestCount = threadFetcher.counts()
	assert.Equal(t, 0, newestCount)

	coordinator.route(&FeedEvent{
		Kind:         KindChat,
		TargetId:     "thread-1",
		ActivityType: "message",
	})
	waitFor(t, 1*time.Second, func() bool {
		_, newestCount := threadFetcher.counts()
		return newestCount == 1
	})
}

func TestCoordinatorUnregisterDuringLive(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := newTestCoordinator(cancelCtx, 0)
	defer coordinator.Close()

	fetcherA := newScriptedFetcher()
	fetcherA.pages[""] = &FeedPage{Items: []*FeedItem{}}
	fetcherA.newest = []*FeedItem{{Id: "a", TimestampMs: 100}}
	controllerA := newTestController(fetcherA, KindTimeline, "")
	defer controllerA.Close()

	fetcherB := newScriptedFetcher()
	fetcherB.pages[""] = &FeedPage{Items: []*FeedItem{}}
	fetcherB.newest = []*FeedItem{{Id: "b", TimestampMs: 200}}
	controllerB := newTestController(fetcherB, KindTimeline, "")
	defer controllerB.Close()

	coordinator.Register(controllerA)
	coordinator.Register(controllerB)
	controllerA.Refresh()
	controllerB.Refresh()

	coordinator.Unregister(controllerA)

	coordinator.route(&FeedEvent{
		Kind:         KindTimeline,
		ActivityType: "Create",
	})

	// the remaining controller still receives events
	waitFor(t, 1*time.Second, func() bool {
		return 1 == len(controllerB.Items())
	})
	_, newestCountA := fetcherA.counts()
	assert.Equal(t, 0, newestCountA)
}

func TestCoordinatorLifecycle(t *testing.T) {
	server := newEventServer(func(connectIndex int, ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"timeline","activity_type":"Create","activity_id":"e1"}`))
		holdOpen(ws)
	})
	defer server.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := newTestCoordinator(cancelCtx, 0)
	defer coordinator.Close()

	fetcher := newScriptedFetcher()
	fetcher.pages[""] = &FeedPage{Items: []*FeedItem{}}
	fetcher.newest = []*FeedItem{{Id: "a", TimestampMs: 100}}
	controller := newTestController(fetcher, KindTimeline, "")
	defer controller.Close()

	coordinator.Register(controller)
	controller.Refresh()

	config := &SubscriptionConfig{
		Url: server.url(),
	}
	coordinator.SetActive(true, config)

	// the push event flows through subscription -> coordinator -> controller
	waitFor(t, 2*time.Second, func() bool {
		return 1 == len(controller.Items())
	})

	coordinator.SetActive(false, nil)
	assert.Equal(t, SubscriptionHealthStopped, coordinator.Subscription().Health())

	// active again with the same config reconnects
	coordinator.SetActive(true, config)
	waitFor(t, 2*time.Second, func() bool {
		return coordinator.Subscription().Health() == SubscriptionHealthLive
	})
	assert.Equal(t, 2, server.connects())
}

func TestCoordinatorStopsSubscriptionAfterLastUnregister(t *testing.T) {
	server := newEventServer(func(connectIndex int, ws *websocket.Conn) {
		holdOpen(ws)
	})
	defer server.close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := newTestCoordinator(cancelCtx, 0)
	defer coordinator.Close()

	fetcher := newScriptedFetcher()
	controller := newTestController(fetcher, KindTimeline, "")
	defer controller.Close()

	coordinator.Register(controller)
	coordinator.SetActive(true, &SubscriptionConfig{
		Url: server.url(),
	})

	waitFor(t, 2*time.Second, func() bool {
		return coordinator.Subscription().Health() == SubscriptionHealthLive
	})

	// scope goes inactive, then the last controller leaves:
	// nothing may keep the connection alive
	coordinator.SetActive(false, nil)
	coordinator.Unregister(controller)
	assert.Equal(t, SubscriptionHealthStopped, coordinator.Subscription().Health())
}

func TestCoordinatorPollSafetyNet(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := newTestCoordinator(cancelCtx, 100*time.Millisecond)
	defer coordinator.Close()

	fetcher := newScriptedFetcher()
	fetcher.pages[""] = &FeedPage{Items: []*FeedItem{}}
	fetcher.newest = []*FeedItem{{Id: "a", TimestampMs: 100}}
	controller := newTestController(fetcher, KindTimeline, "")
	defer controller.Close()

	coordinator.Register(controller)
	controller.Refresh()

	// inactive: the safety-net poll does not run
	time.Sleep(300 * time.Millisecond)
	_, newestCount := fetcher.counts()
	assert.Equal(t, 0, newestCount)

	coordinator.SetActive(true, nil)

	// active: missed pushes are recovered through the same pending path
	waitFor(t, 2*time.Second, func() bool {
		return 1 == len(controller.Items())
	})
}
