package notification

import (
	"time"

	"herald/internal/common"
)

// transitions is the delivery lifecycle. A status missing from the map is terminal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed, StatusCancelled},
	StatusSent:      {StatusDelivered, StatusBounced, StatusFailed, StatusUnsubscribed},
	StatusDelivered: {StatusOpened, StatusUnsubscribed},
	StatusOpened:    {StatusClicked, StatusUnsubscribed},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to Status) bool {
	return contains(transitions[from], to)
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Transition moves n to status to and stamps the matching timestamp. reason is
// kept only for FAILED, BOUNCED and CANCELLED. On error n is left unchanged.
func (n *Notification) Transition(to Status, reason string, now time.Time) error {
	if !CanTransition(n.Status, to) {
		return common.NewInvalidTransitionError(string(n.Status), string(to))
	}

	n.Status = to
	n.UpdatedAt = now
	switch to {
	case StatusSent:
		n.SentAt = &now
		n.FailureReason = ""
	case StatusDelivered:
		n.DeliveredAt = &now
	case StatusOpened:
		n.OpenedAt = &now
	case StatusClicked:
		n.ClickedAt = &now
	case StatusFailed, StatusBounced, StatusCancelled:
		n.FailureReason = reason
	}
	if to != StatusPending {
		n.AttemptStartedAt = nil
		n.NextAttemptAt = nil
	}
	return nil
}
