package event

import "time"

type EventType string

const (
	// Instance connectivity
	EventInstanceConnected    EventType = "instance.connected"
	EventInstanceDisconnected EventType = "instance.disconnected"

	// Dispatch and announce lifecycle
	EventJobDispatched     EventType = "job.dispatched"
	EventAnnounceSucceeded EventType = "announce.succeeded"
	EventAnnounceExhausted EventType = "announce.exhausted"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// InstanceEvent accompanies instance connectivity transitions.
type InstanceEvent struct {
	Name string
}

// JobEvent accompanies dispatch and announce events. Hash is the torrent
// info-hash used as the job identifier on the remote instance.
type JobEvent struct {
	Hash     string
	Instance string
	Name     string
	Category string
	Attempts int
}
