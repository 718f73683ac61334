package transport

import "time"

// Timer is the minimal handle the SAR state machines need back from a
// scheduled callback; internal/core.TimerHandle satisfies this directly.
type Timer interface {
	Cancel()
}

// Scheduler posts callback after the given delay, onto whatever single
// logical queue owns the caller's state. Decoupling the SAR machinery from
// internal/core by this interface (rather than importing it directly)
// mirrors rob-gra-go-iecp5/cs104/apci.go's APCI state-machine shape, which
// keeps its protocol state free of transport-specific types the same way.
type Scheduler interface {
	Schedule(after time.Duration, callback func()) Timer
}

// senderAckDelay is the acknowledgment timer §4.D assigns an outbound
// sender: max(200ms, 200+50*TTL ms).
func senderAckDelay(ttl uint8) time.Duration {
	d := (200 + 50*time.Duration(ttl)) * time.Millisecond
	if d < 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	return d
}

// reassemblyAckDelay is the ack timer a reassembler starts on the first
// received segment: max(150ms, 150+50*TTL ms).
func reassemblyAckDelay(ttl uint8) time.Duration {
	d := (150 + 50*time.Duration(ttl)) * time.Millisecond
	if d < 150*time.Millisecond {
		d = 150 * time.Millisecond
	}
	return d
}

// incompleteDelay is the reassembly timeout before a partially-received
// entry is dropped without an ack; configured defaults to 10s if zero.
func incompleteDelay(configured time.Duration) time.Duration {
	if configured < 10*time.Second {
		return 10 * time.Second
	}
	return configured
}
