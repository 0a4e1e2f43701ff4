package feedsync

import (
	"sync"
	"time"
)

// coalesces a burst of triggers within a quiet window into one invocation of
// the latest action
type Debouncer struct {
	quietTimeout time.Duration

	// held while an action runs. Never acquired under `stateLock`.
	runLock sync.Mutex

	stateLock  sync.Mutex
	timer      *time.Timer
	generation uint64
	closed     bool
}

func NewDebouncer(quietTimeout time.Duration) *Debouncer {
	return &Debouncer{
		quietTimeout: quietTimeout,
	}
}

// restarts the quiet window. The previous pending action, if any, is dropped.
func (self *Debouncer) Trigger(action func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}

	self.generation += 1
	generation := self.generation
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.quietTimeout, func() {
		self.runLock.Lock()
		defer self.runLock.Unlock()

		self.stateLock.Lock()
		if self.closed || generation != self.generation {
			self.stateLock.Unlock()
			return
		}
		self.timer = nil
		self.stateLock.Unlock()

		action()
	})
}

// drops any pending action
func (self *Debouncer) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.generation += 1
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}

// cancels and prevents all future triggers. Returns only after any in-flight
// action has finished, so the owner can dispose its state immediately after.
func (self *Debouncer) Close() {
	self.stateLock.Lock()
	self.closed = true
	self.generation += 1
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.stateLock.Unlock()

	self.runLock.Lock()
	self.runLock.Unlock()
}
