package diampeer

import "time"

// Backoff yields the reconnect delay sequence for persistent peers
// (spec §4.2): exponential, starting at 1s, doubling to a 30s cap,
// indefinitely.
type Backoff struct {
	next time.Duration
}

func NewBackoff() *Backoff {
	return &Backoff{next: time.Second}
}

// Next returns the delay to wait before the next reconnect attempt and
// advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if b.next < 30*time.Second {
		b.next *= 2
		if b.next > 30*time.Second {
			b.next = 30 * time.Second
		}
	}
	return d
}

// Reset restarts the sequence at 1s, to be called after a successful
// connection.
func (b *Backoff) Reset() {
	b.next = time.Second
}
