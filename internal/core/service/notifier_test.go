package service

import (
	"testing"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestNotifier_PublishNeverBlocks(t *testing.T) {
	n := NewNotifier()
	events, cancel := n.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		n.Publish(domain.Event{Type: "state"})
	}
	assert.Len(t, events, subscriberBuffer)
}

func TestNotifier_CancelClosesChannel(t *testing.T) {
	n := NewNotifier()
	events, cancel := n.Subscribe()
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)

	// publishing after cancel must not panic
	n.Publish(domain.Event{Type: "notification"})
}
