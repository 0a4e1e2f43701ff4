package feedsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SubscriptionHealth string

const (
	SubscriptionHealthStopped    SubscriptionHealth = "Stopped"
	SubscriptionHealthConnecting SubscriptionHealth = "Connecting"
	SubscriptionHealthLive       SubscriptionHealth = "Live"
	SubscriptionHealthRetrying   SubscriptionHealth = "Retrying"
)

func (self SubscriptionHealth) IsStarted() bool {
	switch self {
	case SubscriptionHealthConnecting, SubscriptionHealthLive, SubscriptionHealthRetrying:
		return true
	default:
		return false
	}
}

// SubscriptionConfig identifies one upstream event feed connection.
// Reuse is decided by config identity, not field equality: the same pointer
// means the same logical stream.
type SubscriptionConfig struct {
	Url  string
	Auth *ClientAuth
	// empty means all kinds
	Kinds []string
}

type EventFunction = func(event *FeedEvent)
type HealthFunction = func(health SubscriptionHealth)

func DefaultFeedEventSubscriptionSettings() *FeedEventSubscriptionSettings {
	return &FeedEventSubscriptionSettings{
		WsHandshakeTimeout: 2 * time.Second,
		// the remote side already limits reconnect rate,
		// so a bounded fixed delay is sufficient
		ReconnectTimeout: 2 * time.Second,
		PingTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

type FeedEventSubscriptionSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

// FeedEventSubscription owns one push subscription to the upstream event
// feed. State machine:
//
//	Stopped -> Connecting -> Live -> (on error/close) -> Retrying -> Connecting -> ...
//
// `Stop` from any state returns to Stopped and cancels any retry wait.
// Exactly one underlying connection is open at a time per instance.
type FeedEventSubscription struct {
	ctx context.Context

	settings   *FeedEventSubscriptionSettings
	classifier *ErrorClassifier

	eventCallbacks  *CallbackList[EventFunction]
	healthCallbacks *CallbackList[HealthFunction]

	// serializes health notifications with the generation checks, so that a
	// replaced stream can never publish a stale health after its successor's.
	// Always acquired before `stateLock`.
	notifyLock sync.Mutex

	stateLock  sync.Mutex
	health     SubscriptionHealth
	config     *SubscriptionConfig
	runCancel  context.CancelFunc
	generation uint64
}

func NewFeedEventSubscriptionWithDefaults(ctx context.Context) *FeedEventSubscription {
	return NewFeedEventSubscription(
		ctx,
		NewErrorClassifierWithDefaults(),
		DefaultFeedEventSubscriptionSettings(),
	)
}

func NewFeedEventSubscription(
	ctx context.Context,
	classifier *ErrorClassifier,
	settings *FeedEventSubscriptionSettings,
) *FeedEventSubscription {
	return &FeedEventSubscription{
		ctx:             ctx,
		settings:        settings,
		classifier:      classifier,
		eventCallbacks:  NewCallbackList[EventFunction](),
		healthCallbacks: NewCallbackList[HealthFunction](),
		health:          SubscriptionHealthStopped,
	}
}

func (self *FeedEventSubscription) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *FeedEventSubscription) AddHealthCallback(healthCallback HealthFunction) func() {
	callbackId := self.healthCallbacks.Add(healthCallback)
	return func() {
		self.healthCallbacks.Remove(callbackId)
	}
}

func (self *FeedEventSubscription) Health() SubscriptionHealth {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.health
}

func (self *FeedEventSubscription) Config() *SubscriptionConfig {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.config
}

// no-op if already started with the identical config. Otherwise any existing
// subscription is torn down before the new one starts; events from the old
// connection become unobservable.
func (self *FeedEventSubscription) EnsureStarted(config *SubscriptionConfig) {
	self.notifyLock.Lock()
	defer self.notifyLock.Unlock()

	self.stateLock.Lock()
	if self.config == config && self.health.IsStarted() {
		self.stateLock.Unlock()
		return
	}
	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
	self.generation += 1
	generation := self.generation
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	self.config = config
	self.health = SubscriptionHealthConnecting
	self.stateLock.Unlock()

	self.notifyHealth(SubscriptionHealthConnecting)
	go self.run(runCtx, config, generation)
}

func (self *FeedEventSubscription) Stop() {
	self.notifyLock.Lock()
	defer self.notifyLock.Unlock()

	self.stateLock.Lock()
	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
	self.generation += 1
	changed := self.health != SubscriptionHealthStopped
	self.health = SubscriptionHealthStopped
	self.stateLock.Unlock()

	if changed {
		self.notifyHealth(SubscriptionHealthStopped)
	}
}

func (self *FeedEventSubscription) run(ctx context.Context, config *SubscriptionConfig, generation uint64) {
	dialUrl, err := subscribeUrl(config)
	if err != nil {
		glog.Infof("[sub]bad subscribe url = %s\n", err)
		self.setHealth(generation, SubscriptionHealthStopped)
		return
	}

	header := http.Header{}
	if config.Auth != nil {
		if config.Auth.ByJwt != "" {
			header.Add("Authorization", fmt.Sprintf("Bearer %s", config.Auth.ByJwt))
		}
		if (config.Auth.InstanceId != Id{}) {
			header.Add("X-Instance-Id", config.Auth.InstanceId.String())
		}
		if config.Auth.AppVersion != "" {
			header.Add("X-App-Version", config.Auth.AppVersion)
		}
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		ws, _, err := dialer.DialContext(ctx, dialUrl, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Infof("[sub]connect error = %s\n", err)
			if !self.classifier.IsTransient(err) {
				// e.g. rejected auth. Manual restart is the recovery path.
				self.setHealth(generation, SubscriptionHealthStopped)
				return
			}
			if !self.setHealth(generation, SubscriptionHealthRetrying) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
			}
			continue
		}

		if !self.setHealth(generation, SubscriptionHealthLive) {
			ws.Close()
			return
		}
		glog.V(2).Infof("[sub]live %s\n", dialUrl)

		self.readLoop(ctx, ws, config, generation)

		if ctx.Err() != nil {
			return
		}
		// a remote close is treated identically to an error
		if !self.setHealth(generation, SubscriptionHealthRetrying) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *FeedEventSubscription) readLoop(
	ctx context.Context,
	ws *websocket.Conn,
	config *SubscriptionConfig,
	generation uint64,
) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	// unblock the read when the subscription is stopped or replaced
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	kinds := map[string]bool{}
	for _, kind := range config.Kinds {
		kinds[kind] = true
	}

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[sub]read error = %s\n", err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			event := &FeedEvent{}
			if err := json.Unmarshal(message, event); err != nil {
				glog.V(2).Infof("[sub]drop malformed event = %s\n", err)
				continue
			}
			if 0 < len(kinds) && !kinds[event.Kind] {
				continue
			}
			self.deliver(generation, event)
		}
	}
}

func (self *FeedEventSubscription) deliver(generation uint64, event *FeedEvent) {
	self.stateLock.Lock()
	current := generation == self.generation
	self.stateLock.Unlock()
	if !current {
		// the connection was discarded while this event was in flight
		return
	}

	glog.V(2).Infof("[sub]event %s %s\n", event.Kind, event.ActivityType)
	for _, eventCallback := range self.eventCallbacks.Get() {
		eventCallback(event)
	}
}

// returns false when `generation` no longer names the active stream
func (self *FeedEventSubscription) setHealth(generation uint64, health SubscriptionHealth) bool {
	self.notifyLock.Lock()
	defer self.notifyLock.Unlock()

	self.stateLock.Lock()
	if generation != self.generation {
		self.stateLock.Unlock()
		return false
	}
	changed := self.health != health
	self.health = health
	self.stateLock.Unlock()

	if changed {
		self.notifyHealth(health)
	}
	return true
}

func (self *FeedEventSubscription) notifyHealth(health SubscriptionHealth) {
	for _, healthCallback := range self.healthCallbacks.Get() {
		healthCallback(health)
	}
}

func subscribeUrl(config *SubscriptionConfig) (string, error) {
	u, err := url.Parse(config.Url)
	if err != nil {
		return "", err
	}
	if 0 < len(config.Kinds) {
		values := u.Query()
		values.Set("kinds", strings.Join(config.Kinds, ","))
		u.RawQuery = values.Encode()
	}
	return u.String(), nil
}
