package asyncio

import "github.com/rdedup/rdedup/internal/backend"

// SGData is the scatter-gather payload type workers hand to and receive
// from a BackendInstance. It is re-exported rather than redefined, since
// the backend contract already owns its shape.
type SGData = backend.SGData

// NewSGData builds an SGData from one or more byte segments.
var NewSGData = backend.NewSGData

type kind uint8

const (
	kindWrite kind = iota
	kindRead
	kindReadMetadata
	kindRemove
	kindRemoveDirAll
	kindRename
	kindList
	kindListRecursively
)

// outcome is the payload carried on a reply channel: a value paired with
// whatever error the worker observed servicing the request, the Go
// realization of the wire-level "reply channels carry Result<T>".
type outcome[T any] struct {
	val T
	err error
}

// message is the single tagged-union struct realizing every Message
// variant spec.md names: one kind tag plus the union of variant-specific
// fields, rather than an interface{} dispatch, so the common variants
// (Write, Read) stay allocation-cheap on the hot path.
type message struct {
	kind kind

	path string
	dst  string // Rename only

	data       SGData // Write only
	idempotent bool   // Write only
	checked    bool   // Write only: true means no reply is expected

	replyUnit     chan outcome[struct{}]        // Write/Remove/RemoveDirAll/Rename
	replyRead     chan outcome[SGData]          // Read
	replyMetadata chan outcome[backend.Metadata] // ReadMetadata
	replyList     chan outcome[[]string]        // List
	replyStream   chan []Item                   // ListRecursively
}

// Item is one entry of a ListRecursively stream: either a regular file's
// path, or a walk error for one entry. An error Item does not end the
// stream; more Items may follow it.
type Item struct {
	Path string
	Err  error
}
