// Package wire defines the on-the-wire messages exchanged between a Cache
// Tracker Client (component D) and the cachetrackerd daemon that hosts the
// Shared-Memory Region Server (component A) and the Cache Coordinator
// (component C).
//
// Framing uses encoding/gob directly over the connection: a gob.Encoder and
// gob.Decoder pair is created once per connection and Frame values are
// streamed through it. gob already carries its own type descriptors over the
// wire, so no separate length-prefixing is needed — this is the same
// approach net/rpc's gob codec uses, kept here without the RPC dispatch
// machinery since our protocol is a fixed, small set of actions rather than
// arbitrary method calls.
//
// © 2025 compsssqaaas authors.
package wire

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/lezzidan/compsssqaaas/internal/registry"
)

// Action enumerates the eight coordinator commands from spec §4.C plus the
// internal UnlockAll control message used to release stale locks when a
// connection disconnects (spec §5, §9).
type Action string

const (
	ActionIsLocked   Action = "IS_LOCKED"
	ActionIsInCache  Action = "IS_IN_CACHE"
	ActionLock       Action = "LOCK"
	ActionUnlock     Action = "UNLOCK"
	ActionPut        Action = "PUT"
	ActionPutGPU     Action = "PUT_GPU"
	ActionGet        Action = "GET"
	ActionRemove     Action = "REMOVE"
	actionUnlockAll  Action = "__unlock_all__"
)

// UnlockAllAction exposes the internal control action to daemon code that
// needs to enqueue it on connection close, without letting Clients send it
// over the wire (the Client-facing API never constructs a Command with this
// action directly).
const UnlockAllAction = actionUnlockAll

// Command is the message shape carried on the inbound channel toward the
// Coordinator (spec §6): {action, messages[], size?, dtype?, shape?}.
type Command struct {
	Action Action
	// Messages holds action-specific positional fields, matching the
	// Python source's CacheQueueMessage.messages list:
	//   IS_LOCKED / IS_IN_CACHE / LOCK / UNLOCK / REMOVE : [key]
	//   PUT                                              : [key, segmentName, paramName, function]
	//   PUT_GPU                                          : [key, handleB64, paramName, function]
	//   GET                                              : [key, paramName, function]
	Messages []string
	Size     int64
	DType    registry.DType
	Shape    []int
	Kind     registry.Kind
	DeviceID int
	// ConnID stamps the issuing connection for LOCK, so the daemon can
	// release it on disconnect.
	ConnID string
}

// CommandReply answers IS_LOCKED / IS_IN_CACHE. Every other command is
// fire-and-forget (spec §4.C: "—" under Reply).
type CommandReply struct {
	Bool bool
}

// SegmentOp enumerates the Region Server primitives from spec §4.A that the
// Client drives over the wire. attach is deliberately absent: the Client
// mmaps a named segment directly off the shared backing directory
// (segment.Attach), since both ends already share the same /dev/shm
// namespace on the worker node — there is nothing for the daemon to do that
// the Client cannot do itself, so attach never crosses this protocol.
type SegmentOp string

const (
	SegmentOpAllocate         SegmentOp = "allocate_segment"
	SegmentOpAllocateSequence SegmentOp = "allocate_sequence"
)

// SegmentRequest is a synchronous call against the Region Server. Unlike
// Command, it always expects a SegmentReply before the Client proceeds,
// matching spec §4.A's allocate_* calls being ordinary blocking calls
// rather than fire-and-forget notifications.
type SegmentRequest struct {
	Op       SegmentOp
	Size     int64 // bytes, for allocate_segment
	Elements int   // element count, for allocate_sequence
	SlotSize int   // bytes per element, for allocate_sequence
}

// SegmentErrKind tags a SegmentReply failure with the sentinel it
// corresponds to on the Client side, so the pkg-level sentinel identity
// (ErrOutOfSharedMemory, ...) survives the string-encoded Err message
// crossing this protocol boundary.
type SegmentErrKind string

const (
	SegmentErrNone              SegmentErrKind = ""
	SegmentErrOutOfSharedMemory SegmentErrKind = "out_of_shared_memory"
)

// SegmentReply answers a SegmentRequest. Err is empty on success; non-empty
// values carry a human-readable message, and ErrKind (when set) identifies
// which pkg-level sentinel the Client should surface via errors.Is.
type SegmentReply struct {
	Name    string
	Size    int64
	Err     string
	ErrKind SegmentErrKind
}

// DescriptorRequest asks the daemon for a single Registry descriptor,
// serving the read-through "Registry view" spec §6 describes. Unlike
// Command, it bypasses the Coordinator's ordered command channel entirely
// (it is answered straight from the actor loop's describe path), since
// spec §9's design note explicitly allows a dirty-read proxy here: "a
// dirty-read proxy is acceptable because Clients re-verify via commands
// before mutating."
type DescriptorRequest struct {
	Key string
}

// DescriptorReply answers a DescriptorRequest. Found is false if key has no
// live descriptor.
type DescriptorReply struct {
	Found       bool
	SegmentName string
	Shape       []int
	DType       registry.DType
	Size        int64
	Hits        uint64
	Kind        registry.Kind
	DeviceID    int
}

// FrameKind discriminates which field of Frame is populated.
type FrameKind string

const (
	FrameAuth               FrameKind = "auth"
	FrameCommand            FrameKind = "command"
	FrameCommandReply       FrameKind = "command_reply"
	FrameSegmentRequest     FrameKind = "segment_request"
	FrameSegmentReply       FrameKind = "segment_reply"
	FrameDescriptorRequest  FrameKind = "descriptor_request"
	FrameDescriptorReply    FrameKind = "descriptor_reply"
)

// Frame is the single value type gob streams over a connection. Exactly one
// of the pointer fields is non-nil, selected by Kind.
type Frame struct {
	Kind               FrameKind
	AuthKey            []byte
	Command            *Command
	CommandReply       *CommandReply
	SegmentRequest     *SegmentRequest
	SegmentReply       *SegmentReply
	DescriptorRequest  *DescriptorRequest
	DescriptorReply    *DescriptorReply
}

// Codec wraps a gob encoder/decoder pair bound to one connection.
type Codec struct {
	enc *gob.Encoder
	dec *gob.Decoder
}

// NewCodec constructs a Codec over rw. Each direction (encode, decode) of a
// single connection should use its own goroutine discipline: concurrent
// writers on the same Codec must serialise among themselves (see
// pkg.Client, which owns a mutex around its Codec).
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{enc: gob.NewEncoder(rw), dec: gob.NewDecoder(rw)}
}

// Send writes one frame.
func (c *Codec) Send(f Frame) error {
	if err := c.enc.Encode(&f); err != nil {
		return fmt.Errorf("wire: send: %w", err)
	}
	return nil
}

// Recv reads one frame, blocking until one arrives or the connection errs.
func (c *Codec) Recv() (Frame, error) {
	var f Frame
	if err := c.dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
