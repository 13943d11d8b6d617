package retry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/conveyor/internal/model"
)

func TestAckLedger_EvictsLeastRecentlyUsed(t *testing.T) {
	l := NewAckLedger(3)
	l.Add("a")
	l.Add("b")
	l.Add("c")
	assert.True(t, l.Seen("a")) // a becomes most recent
	l.Add("d")                  // evicts b

	assert.True(t, l.Seen("a"))
	assert.False(t, l.Seen("b"))
	assert.True(t, l.Seen("c"))
	assert.True(t, l.Seen("d"))
	assert.Equal(t, 3, l.Len())
}

func TestAckLedger_AddIsIdempotent(t *testing.T) {
	l := NewAckLedger(0)
	for i := 0; i < 5; i++ {
		l.Add("same")
	}
	assert.Equal(t, 1, l.Len())

	for i := 0; i < defaultLedgerSize+10; i++ {
		l.Add(fmt.Sprintf("id-%d", i))
	}
	assert.Equal(t, defaultLedgerSize, l.Len())
}

func TestDeliveryKey_DistinguishesLeases(t *testing.T) {
	env := model.NewEnvelope("broadcast", "echo", nil)
	assert.Equal(t, env.ID, deliveryKey(env))

	first := env.Clone()
	first.VisibilityDeadline = time.Unix(100, 0)
	second := env.Clone()
	second.VisibilityDeadline = time.Unix(200, 0)
	assert.NotEqual(t, deliveryKey(first), deliveryKey(second))
	assert.Equal(t, deliveryKey(first), deliveryKey(first.Clone()))
}
