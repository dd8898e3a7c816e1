package event

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := NewBus()
	var hits atomic.Int32
	bus.Subscribe(StageUnblocked, func(e Event) { hits.Add(1) })
	bus.Subscribe(StageUnblocked, func(e Event) { hits.Add(1) })
	bus.Subscribe(CapacityReleased, func(e Event) { hits.Add(100) })

	bus.Publish(Event{Type: StageUnblocked, StageID: "RO1-2"})
	bus.Drain()
	assert.Equal(t, int32(2), hits.Load())
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: StageTransitioned})
	bus.Drain()
}
