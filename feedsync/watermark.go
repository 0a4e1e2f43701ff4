package feedsync

import (
	"sync"

	"github.com/golang/glog"
)

// WatermarkStore persists the last-seen timestamp per scope (thread id,
// feed kind). Watermark returns 0 when no mark exists for the scope.
type WatermarkStore interface {
	Watermark(scopeId string) (int64, error)
	SetWatermark(scopeId string, seenMs int64) error
}

type MemoryWatermarkStore struct {
	stateLock sync.Mutex
	seen      map[string]int64
}

func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{
		seen: map[string]int64{},
	}
}

func (self *MemoryWatermarkStore) Watermark(scopeId string) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.seen[scopeId], nil
}

func (self *MemoryWatermarkStore) SetWatermark(scopeId string, seenMs int64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.seen[scopeId] = seenMs
	return nil
}

// SeenWatermark defines the unread comparison semantics over a store.
// Items strictly newer than the watermark count as unread.
type SeenWatermark struct {
	store WatermarkStore
}

func NewSeenWatermark(store WatermarkStore) *SeenWatermark {
	return &SeenWatermark{
		store: store,
	}
}

// advances the scope's watermark. A mark older than the stored one is a no-op
// so out-of-order calls cannot regress the unread count.
func (self *SeenWatermark) MarkSeen(scopeId string, seenMs int64) error {
	current, err := self.store.Watermark(scopeId)
	if err != nil {
		return err
	}
	if seenMs <= current {
		return nil
	}
	return self.store.SetWatermark(scopeId, seenMs)
}

func (self *SeenWatermark) UnreadCount(scopeId string, items []*FeedItem) int {
	watermark, err := self.store.Watermark(scopeId)
	if err != nil {
		glog.Infof("[wm]read error %s = %s\n", scopeId, err)
		watermark = 0
	}

	count := 0
	for _, item := range items {
		if watermark < item.TimestampMs {
			count += 1
		}
	}
	return count
}
