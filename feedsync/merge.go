package feedsync

import (
	"golang.org/x/exp/slices"
)

// MergeItems folds `incoming` into `existing`, skipping items whose id is
// empty or already in `knownIds`. New ids are added to `knownIds`. The result
// is re-sorted by the canonical comparator so pages fetched out of arrival
// order still produce a stable, globally time-ordered list.
func MergeItems(existing []*FeedItem, incoming []*FeedItem, knownIds map[string]bool) []*FeedItem {
	merged := existing
	for _, item := range incoming {
		if item == nil || item.Id == "" {
			// malformed item, drop it without failing the page
			continue
		}
		if knownIds[item.Id] {
			continue
		}
		knownIds[item.Id] = true
		merged = append(merged, item)
	}
	slices.SortFunc(merged, CompareFeedItems)
	return merged
}

// mergeSorted combines two lists whose ids are already known to be disjoint
// (e.g. visible items and a released pending batch)
func mergeSorted(a []*FeedItem, b []*FeedItem) []*FeedItem {
	merged := make([]*FeedItem, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	slices.SortFunc(merged, CompareFeedItems)
	return merged
}

// PendingBuffer holds known-new items that should not be spliced into the
// visible list yet. It shares the owning controller's known-id set, so
// visible and pending stay disjoint by construction.
type PendingBuffer struct {
	items []*FeedItem
}

func NewPendingBuffer() *PendingBuffer {
	return &PendingBuffer{
		items: []*FeedItem{},
	}
}

// runs `incoming` through the dedup path against `knownIds` and buffers the
// genuinely new items. Returns how many items were added.
func (self *PendingBuffer) Offer(incoming []*FeedItem, knownIds map[string]bool) int {
	countBefore := len(self.items)
	self.items = MergeItems(self.items, incoming, knownIds)
	return len(self.items) - countBefore
}

// moves the entire pending set out and clears it. The returned items keep
// the canonical order.
func (self *PendingBuffer) Release() []*FeedItem {
	released := self.items
	self.items = []*FeedItem{}
	return released
}

func (self *PendingBuffer) Count() int {
	return len(self.items)
}

func (self *PendingBuffer) Clear() {
	self.items = []*FeedItem{}
}
