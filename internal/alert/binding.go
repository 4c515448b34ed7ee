package alert

import "time"

// DeviceBinding maps one of an owner's devices to its push token. Bindings
// are written by the registration surface (outside this core) and deleted
// here once a token turns permanently invalid.
type DeviceBinding struct {
	DeviceID   string
	OwnerID    string
	PushToken  string
	Platform   string
	LastActive time.Time
}
