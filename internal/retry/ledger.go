package retry

import (
	"container/list"
	"strconv"
	"sync"

	"github.com/msageha/conveyor/internal/model"
)

const defaultLedgerSize = 10000

// AckLedger remembers the most recently settled deliveries so that a second
// settlement of the same delivery can be recognised without asking the broker.
type AckLedger struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
}

func NewAckLedger(maxSize int) *AckLedger {
	if maxSize <= 0 {
		maxSize = defaultLedgerSize
	}
	return &AckLedger{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func (l *AckLedger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	elem, ok := l.items[id]
	if ok {
		l.lru.MoveToFront(elem)
	}
	return ok
}

func (l *AckLedger) Add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[id]; ok {
		l.lru.MoveToFront(elem)
		return
	}
	l.items[id] = l.lru.PushFront(id)
	for l.lru.Len() > l.maxSize {
		oldest := l.lru.Back()
		l.lru.Remove(oldest)
		delete(l.items, oldest.Value.(string))
	}
}

func (l *AckLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

// deliveryKey identifies one lease of an envelope. A redelivery carries a new
// visibility deadline and so never collides with an earlier settlement.
func deliveryKey(env *model.TaskEnvelope) string {
	if env.VisibilityDeadline.IsZero() {
		return env.ID
	}
	return env.ID + "@" + strconv.FormatInt(env.VisibilityDeadline.UnixNano(), 10)
}
