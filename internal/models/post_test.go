package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusReceived, StatusFetching},
		{StatusFetching, StatusEligible},
		{StatusFetching, StatusIgnored},
		{StatusFetching, StatusFailed},
		{StatusFetching, StatusReceived},
		{StatusEligible, StatusSending},
		{StatusSending, StatusDelivered},
		{StatusSending, StatusFailed},
		{StatusSending, StatusNeedsReview},
		{StatusFailed, StatusReceived},
		{StatusNeedsReview, StatusReceived},
	}

	all := []Status{
		StatusReceived, StatusFetching, StatusEligible, StatusSending,
		StatusDelivered, StatusIgnored, StatusFailed, StatusNeedsReview,
	}

	isAllowed := func(from, to Status) bool {
		for _, edge := range allowed {
			if edge.from == from && edge.to == to {
				return true
			}
		}
		return false
	}

	// The executed transition set must be exactly the table, nothing more
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, isAllowed(from, to), CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StatusDelivered.IsTerminal())
	assert.True(t, StatusIgnored.IsTerminal())

	for _, s := range []Status{StatusReceived, StatusFetching, StatusEligible, StatusSending, StatusFailed, StatusNeedsReview} {
		assert.False(t, s.IsTerminal(), string(s))
	}

	// Terminal states have no outgoing edges for the pipeline
	for _, target := range []Status{StatusReceived, StatusFetching, StatusEligible, StatusSending, StatusFailed, StatusNeedsReview, StatusIgnored, StatusDelivered} {
		assert.False(t, CanTransition(StatusDelivered, target))
		assert.False(t, CanTransition(StatusIgnored, target))
	}
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "status_delivered", StatusDelivered.EventName())
	assert.Equal(t, "status_needs_review", StatusNeedsReview.EventName())
}
