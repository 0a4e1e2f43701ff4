package feedsync

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// PresenceTTL tracks ephemeral per-actor state (e.g. "actor is typing")
// with expiry. Expiry is checked on read; no always-on background timer.
// An optional nudge callback fires once per `Mark` at the expiry time so a
// host can refresh even with no further reads.
type PresenceTTL struct {
	nudge func()

	stateLock sync.Mutex
	expires   map[string]time.Time
	closed    bool
}

func NewPresenceTTL(nudge func()) *PresenceTTL {
	return &PresenceTTL{
		nudge:   nudge,
		expires: map[string]time.Time{},
	}
}

// upserts the actor's expiry. A repeated signal for the same actor refreshes
// the window.
func (self *PresenceTTL) Mark(actorId string, ttl time.Duration) {
	if actorId == "" {
		return
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.expires[actorId] = time.Now().Add(ttl)
	self.stateLock.Unlock()

	if self.nudge != nil {
		time.AfterFunc(ttl, func() {
			self.stateLock.Lock()
			closed := self.closed
			self.stateLock.Unlock()
			if !closed {
				self.nudge()
			}
		})
	}
}

// actor ids whose entries have not expired at `now`, sorted for determinism.
// Expired entries are dropped lazily here.
func (self *PresenceTTL) ActiveActors(now time.Time) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	activeActorIds := []string{}
	for actorId, expiresAt := range self.expires {
		if now.Before(expiresAt) {
			activeActorIds = append(activeActorIds, actorId)
		} else {
			delete(self.expires, actorId)
		}
	}
	slices.Sort(activeActorIds)
	return activeActorIds
}

func (self *PresenceTTL) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	maps.Clear(self.expires)
}
