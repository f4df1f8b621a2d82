package dispatch

import "context"

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// Delivered means the provider accepted the notification.
	Delivered Outcome = iota
	// Retry means a transient failure for this notification only.
	Retry
	// Disconnected means the connection to the provider failed. This entry
	// and everything after it in the batch are retried.
	Disconnected
	// Rejected means the device or request is permanently invalid.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	case Disconnected:
		return "disconnected"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SendFunc attempts one notification.
type SendFunc func(ctx context.Context, n *Notification) Outcome

// DeliverEach runs send over the batch in order and builds the retry set.
// Transports whose providers take one request per device use it to implement
// Deliver.
func DeliverEach(ctx context.Context, batch []*Notification, send SendFunc) []*Notification {
	var retry []*Notification
	for i, n := range batch {
		if ctx.Err() != nil {
			return append(retry, batch[i:]...)
		}
		switch send(ctx, n) {
		case Delivered:
		case Retry:
			retry = append(retry, n)
		case Disconnected:
			return append(retry, batch[i:]...)
		case Rejected:
			n.Reject()
		}
	}
	return retry
}

// Reject calls the unregister callback if one is set.
func (n *Notification) Reject() {
	if n.Unregister != nil {
		n.Unregister()
	}
}
