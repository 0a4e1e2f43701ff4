package feedsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// filtering is a view concern: a filter changes what `Items` surfaces,
// never what the controller knows about
type FeedFilterFunction = func(item *FeedItem) bool

func DefaultFeedListControllerSettings() *FeedListControllerSettings {
	return &FeedListControllerSettings{
		PageSize:               40,
		NewestLimit:            20,
		RetryTimeout:           1 * time.Second,
		RefreshDebounceTimeout: 350 * time.Millisecond,
		SpliceThreshold:        3,
		TypingTtl:              4 * time.Second,
		StructuralActivityTypes: []string{
			"update",
			"edit",
			"delete",
			"undo",
			"remove",
		},
	}
}

type FeedListControllerSettings struct {
	PageSize    int
	NewestLimit int
	// delay before the single automatic retry of a transient fetch failure
	RetryTimeout time.Duration
	// quiet window that collapses a burst of structural events into one refresh
	RefreshDebounceTimeout time.Duration
	// a new batch at most this size splices immediately when the viewer is at
	// the top, instead of buffering. Product choice, not a correctness one.
	SpliceThreshold int
	TypingTtl       time.Duration
	// activity types that require a full reconciliation instead of a
	// poll-newest merge
	StructuralActivityTypes []string
}

// FeedListController is the state machine of one independently-scrolled
// list: load-more, refresh, receive-push. It owns its items/pending/knownIds
// exclusively; no cross-controller mutation.
type FeedListController struct {
	ctx    context.Context
	cancel context.CancelFunc

	fetcher  FeedFetcher
	kind     string
	targetId string
	filter   FeedFilterFunction

	classifier *ErrorClassifier
	watermark  *SeenWatermark
	settings   *FeedListControllerSettings

	refreshDebounce *Debouncer
	presence        *PresenceTTL
	structural      map[string]bool

	stateLock      sync.Mutex
	items          []*FeedItem
	pending        *PendingBuffer
	knownIds       map[string]bool
	next           string
	loaded         bool
	end            bool
	loading        bool
	polling        bool
	lastError      error
	retryScheduled bool
	retryTimer     *time.Timer
	atTop          bool
	generation     uint64
}

func NewFeedListControllerWithDefaults(
	ctx context.Context,
	fetcher FeedFetcher,
	kind string,
	targetId string,
) *FeedListController {
	return NewFeedListController(
		ctx,
		fetcher,
		kind,
		targetId,
		nil,
		NewErrorClassifierWithDefaults(),
		nil,
		DefaultFeedListControllerSettings(),
	)
}

func NewFeedListController(
	ctx context.Context,
	fetcher FeedFetcher,
	kind string,
	targetId string,
	filter FeedFilterFunction,
	classifier *ErrorClassifier,
	watermark *SeenWatermark,
	settings *FeedListControllerSettings,
) *FeedListController {
	cancelCtx, cancel := context.WithCancel(ctx)

	structural := map[string]bool{}
	for _, activityType := range settings.StructuralActivityTypes {
		structural[strings.ToLower(activityType)] = true
	}

	return &FeedListController{
		ctx:             cancelCtx,
		cancel:          cancel,
		fetcher:         fetcher,
		kind:            kind,
		targetId:        targetId,
		filter:          filter,
		classifier:      classifier,
		watermark:       watermark,
		settings:        settings,
		refreshDebounce: NewDebouncer(settings.RefreshDebounceTimeout),
		presence:        NewPresenceTTL(nil),
		structural:      structural,
		items:           []*FeedItem{},
		pending:         NewPendingBuffer(),
		knownIds:        map[string]bool{},
		atTop:           true,
	}
}

func (self *FeedListController) Kind() string {
	return self.kind
}

func (self *FeedListController) TargetId() string {
	return self.targetId
}

// scope for seen/unread accounting
func (self *FeedListController) scopeId() string {
	if self.targetId != "" {
		return self.targetId
	}
	return self.kind
}

// whether a push event concerns this list
func (self *FeedListController) Matches(event *FeedEvent) bool {
	if event.Kind != self.kind {
		return false
	}
	if self.targetId != "" && self.targetId != event.TargetId {
		return false
	}
	return true
}

// Refresh drops all list state and reloads the first page.
// Ignored while another load is in flight.
func (self *FeedListController) Refresh() {
	self.stateLock.Lock()
	if self.loading {
		self.stateLock.Unlock()
		return
	}
	self.loading = true
	self.items = []*FeedItem{}
	self.pending.Clear()
	maps.Clear(self.knownIds)
	self.next = ""
	self.loaded = false
	self.end = false
	self.generation += 1
	generation := self.generation
	self.stateLock.Unlock()

	page, err := self.fetcher.FetchPage(self.ctx, "", self.settings.PageSize)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.loading = false
	if self.ctx.Err() != nil || generation != self.generation {
		return
	}
	if err != nil {
		glog.Infof("[fc]refresh error %s = %s\n", self.scopeId(), err)
		self.lastError = err
		self.maybeScheduleRetry(err, self.Refresh)
		return
	}
	self.lastError = nil
	self.items = MergeItems(self.items, page.Items, self.knownIds)
	self.next = page.Next
	self.end = page.Next == ""
	self.loaded = true
}

// LoadMore fetches the page after the current cursor and merges it in.
// No-op while loading, before the first successful load, and after the
// remote reports no more pages.
func (self *FeedListController) LoadMore() {
	self.stateLock.Lock()
	if self.loading || !self.loaded || self.end {
		self.stateLock.Unlock()
		return
	}
	self.loading = true
	cursor := self.next
	generation := self.generation
	self.stateLock.Unlock()

	page, err := self.fetcher.FetchPage(self.ctx, cursor, self.settings.PageSize)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.loading = false
	if self.ctx.Err() != nil || generation != self.generation {
		return
	}
	if err != nil {
		glog.Infof("[fc]load more error %s = %s\n", self.scopeId(), err)
		self.lastError = err
		self.maybeScheduleRetry(err, self.LoadMore)
		return
	}
	self.lastError = nil
	self.items = MergeItems(self.items, page.Items, self.knownIds)
	self.next = page.Next
	self.end = page.Next == ""
}

// Poll checks for items newer than what's known and offers them to the
// pending buffer. A small batch splices immediately when the viewer is at
// the top. Used for additive push events and for the coordinator's periodic
// safety-net poll; both share this path.
func (self *FeedListController) Poll() {
	self.stateLock.Lock()
	if self.polling || !self.loaded {
		self.stateLock.Unlock()
		return
	}
	self.polling = true
	generation := self.generation
	self.stateLock.Unlock()

	incoming, err := self.fetcher.FetchNewest(self.ctx, self.settings.NewestLimit)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.polling = false
	if self.ctx.Err() != nil || generation != self.generation {
		return
	}
	if err != nil {
		glog.Infof("[fc]poll error %s = %s\n", self.scopeId(), err)
		self.lastError = err
		self.maybeScheduleRetry(err, self.Poll)
		return
	}
	self.lastError = nil
	offered := self.pending.Offer(incoming, self.knownIds)
	if 0 < offered && self.atTop && self.pending.Count() <= self.settings.SpliceThreshold {
		released := self.pending.Release()
		self.items = mergeSorted(self.items, released)
	}
}

// OnPushEvent routes one push event into this list. Typing signals feed the
// presence table; structural changes debounce into a full refresh; anything
// else polls newest.
func (self *FeedListController) OnPushEvent(event *FeedEvent) {
	if self.ctx.Err() != nil {
		return
	}

	if actorId, ok := event.TypingActorId(); ok {
		self.presence.Mark(actorId, self.settings.TypingTtl)
		return
	}

	if self.structural[strings.ToLower(event.ActivityType)] {
		self.refreshDebounce.Trigger(self.Refresh)
		return
	}

	// don't block the event fan-out on the fetch
	go self.Poll()
}

// must be called with `stateLock`
func (self *FeedListController) maybeScheduleRetry(err error, op func()) {
	if !self.classifier.IsTransient(err) {
		// remote/application error. Manual refresh is the recovery path.
		return
	}
	if self.retryScheduled {
		return
	}
	self.retryScheduled = true
	self.retryTimer = time.AfterFunc(self.settings.RetryTimeout, func() {
		self.stateLock.Lock()
		self.retryScheduled = false
		self.retryTimer = nil
		self.stateLock.Unlock()

		if self.ctx.Err() != nil {
			return
		}
		op()
	})
}

// the visible list, filtered and in canonical order
func (self *FeedListController) Items() []*FeedItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]*FeedItem, 0, len(self.items))
	for _, item := range self.items {
		if self.filter == nil || self.filter(item) {
			items = append(items, item)
		}
	}
	return items
}

func (self *FeedListController) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pending.Count()
}

func (self *FeedListController) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loading
}

func (self *FeedListController) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastError
}

// the viewer's scroll position, reported by the presentation layer.
// Drives the immediate-splice policy in `Poll`.
func (self *FeedListController) SetAtTop(atTop bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.atTop = atTop
}

// moves the entire pending set into the visible list. Returns what was
// released for host feedback ("show N new posts").
func (self *FeedListController) ReleasePending() []*FeedItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	released := self.pending.Release()
	if 0 < len(released) {
		self.items = mergeSorted(self.items, released)
	}
	return released
}

// actors currently typing in this list's scope
func (self *FeedListController) TypingActors() []string {
	return self.presence.ActiveActors(time.Now())
}

func (self *FeedListController) MarkSeen(seenMs int64) error {
	if self.watermark == nil {
		return nil
	}
	return self.watermark.MarkSeen(self.scopeId(), seenMs)
}

func (self *FeedListController) UnreadCount() int {
	if self.watermark == nil {
		return 0
	}

	self.stateLock.Lock()
	known := make([]*FeedItem, 0, len(self.items)+self.pending.Count())
	known = append(known, self.items...)
	known = append(known, self.pending.items...)
	self.stateLock.Unlock()

	return self.watermark.UnreadCount(self.scopeId(), known)
}

func (self *FeedListController) Close() {
	self.cancel()
	self.refreshDebounce.Close()
	self.presence.Close()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.generation += 1
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
	self.retryScheduled = false
}
