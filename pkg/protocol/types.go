package protocol

// Role is the identifier a connection announces at handshake so the master
// knows whether it will publish tasks or execute them.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
)

// Valid reports whether r is one of the reserved role identifiers.
func (r Role) Valid() bool { return r == RoleClient || r == RoleWorker }

// Tag is a wire-level state tag carried by TaskState envelopes.
type Tag string

const (
	TagProgress Tag = "progress"
	TagComplete Tag = "completed"
	TagError    Tag = "error"
	TagCancel   Tag = "cancelled"
)

// Valid reports whether t is a known state tag.
func (t Tag) Valid() bool {
	switch t {
	case TagProgress, TagComplete, TagError, TagCancel:
		return true
	}
	return false
}

// Terminal reports whether t ends the task lifecycle.
func (t Tag) Terminal() bool { return t.Valid() && t != TagProgress }

// Event names local notifications raised by peers. They never travel the wire.
type Event string

const (
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
	EventError        Event = "error"
	EventTask         Event = "task"
)

// Message types (fits in uint8)
const (
	MsgUnknown uint8 = iota
	MsgControl       // handshake and registration
	MsgData          // Task and TaskState payloads sharing one channel
)

// Flags bitmask (uint32)
const (
	FlagAck uint32 = 1 << 0 // sender expects an ack for this control frame
)

// ContentType is an optional hint for payload decoding.
// Kept as constants to avoid coupling; not serialized in the header.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
)
