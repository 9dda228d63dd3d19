package stream

import "sync"

// LatestValue keeps the most recent message seen on a topic. Its Handle
// method is a Handler, so a single-topic consumer can register it directly
// and poll Get.
type LatestValue struct {
	mu  sync.RWMutex
	msg Message
	ok  bool
}

// Handle records msg as the latest value
func (l *LatestValue) Handle(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msg = msg
	l.ok = true
}

// Get returns the latest message and whether one has arrived
func (l *LatestValue) Get() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.msg, l.ok
}

// Reset forgets the latest value
func (l *LatestValue) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msg = Message{}
	l.ok = false
}
