package feedsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

func DefaultFeedCoordinatorSettings() *FeedCoordinatorSettings {
	return &FeedCoordinatorSettings{
		// periodic safety net for push events lost in transit. 0 disables.
		PollTimeout:  5 * time.Minute,
		Subscription: DefaultFeedEventSubscriptionSettings(),
	}
}

type FeedCoordinatorSettings struct {
	PollTimeout  time.Duration
	Subscription *FeedEventSubscriptionSettings
}

// FeedCoordinator fans one event subscription out to every registered list
// controller whose scope matches the event. It also couples the subscription
// lifecycle to the owning scope's activity.
type FeedCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *FeedCoordinatorSettings

	subscription        *FeedEventSubscription
	removeEventCallback func()

	stateLock sync.Mutex
	// copied on update so routing can iterate without the lock
	controllers []*FeedListController
	active      bool
}

func NewFeedCoordinatorWithDefaults(ctx context.Context) *FeedCoordinator {
	return NewFeedCoordinator(
		ctx,
		NewErrorClassifierWithDefaults(),
		DefaultFeedCoordinatorSettings(),
	)
}

func NewFeedCoordinator(
	ctx context.Context,
	classifier *ErrorClassifier,
	settings *FeedCoordinatorSettings,
) *FeedCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)

	coordinator := &FeedCoordinator{
		ctx:          cancelCtx,
		cancel:       cancel,
		settings:     settings,
		subscription: NewFeedEventSubscription(cancelCtx, classifier, settings.Subscription),
		controllers:  []*FeedListController{},
	}
	coordinator.removeEventCallback = coordinator.subscription.AddEventCallback(coordinator.route)

	if 0 < settings.PollTimeout {
		go coordinator.pollLoop()
	}

	return coordinator
}

func (self *FeedCoordinator) Subscription() *FeedEventSubscription {
	return self.subscription
}

func (self *FeedCoordinator) Register(controller *FeedListController) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if slices.Contains(self.controllers, controller) {
		// already present
		return
	}
	nextControllers := slices.Clone(self.controllers)
	nextControllers = append(nextControllers, controller)
	self.controllers = nextControllers
}

func (self *FeedCoordinator) Unregister(controller *FeedListController) {
	self.stateLock.Lock()
	i := slices.Index(self.controllers, controller)
	if i < 0 {
		self.stateLock.Unlock()
		return
	}
	nextControllers := slices.Clone(self.controllers)
	nextControllers = slices.Delete(nextControllers, i, i+1)
	self.controllers = nextControllers
	stopSubscription := len(self.controllers) == 0 && !self.active
	self.stateLock.Unlock()

	if stopSubscription {
		// don't leak the connection once nothing depends on it
		self.subscription.Stop()
	}
}

// the scope-activity signal. Active with a config starts (or reuses) the
// subscription; inactive stops it and cancels any pending reconnect.
func (self *FeedCoordinator) SetActive(active bool, config *SubscriptionConfig) {
	self.stateLock.Lock()
	self.active = active
	self.stateLock.Unlock()

	if active && config != nil {
		self.subscription.EnsureStarted(config)
	} else {
		self.subscription.Stop()
	}
}

func (self *FeedCoordinator) route(event *FeedEvent) {
	self.stateLock.Lock()
	controllers := self.controllers
	self.stateLock.Unlock()

	matched := 0
	for _, controller := range controllers {
		if controller.Matches(event) {
			controller.OnPushEvent(event)
			matched += 1
		}
	}
	glog.V(2).Infof("[fco]route %s %s -> %d\n", event.Kind, event.ActivityType, matched)
}

// the poll is a redundant safety net for missed push events. It shares the
// controllers' poll-newest/pending path; nothing here is special-cased.
func (self *FeedCoordinator) pollLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PollTimeout):
		}

		self.stateLock.Lock()
		active := self.active
		controllers := self.controllers
		self.stateLock.Unlock()

		if !active {
			continue
		}
		for _, controller := range controllers {
			go controller.Poll()
		}
	}
}

func (self *FeedCoordinator) Close() {
	self.cancel()
	self.removeEventCallback()
	self.subscription.Stop()
}
