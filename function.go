package flowgraph

import (
	"context"
	"time"
)

// OperatorKind enumerates the Operator/Function variants the engine knows
// how to drive (§3).
type OperatorKind string

const (
	KindSource    OperatorKind = "Source"
	KindMap       OperatorKind = "Map"
	KindFilter    OperatorKind = "Filter"
	KindSink      OperatorKind = "Sink"
	KindFlatMap   OperatorKind = "FlatMap"
	KindKeyBy     OperatorKind = "KeyBy"
	KindWindow    OperatorKind = "Window"
	KindAggregate OperatorKind = "Aggregate"
	KindJoin      OperatorKind = "Join"
	KindTopK      OperatorKind = "TopK"
	KindITopK     OperatorKind = "ITopK"
)

// Function is the marker interface every business-logic unit implements.
// The open set of Function implementations is why Function is an
// interface rather than a closed set of concrete structs (§9): any caller
// can supply their own, so long as its concrete type satisfies the
// variant interface the chosen Operator kind requires.
type Function interface {
	// Kind reports which Operator variant this Function may be attached
	// to. The Builder's chained operations (Map through ITopK) reject a
	// mismatch with a NotConfigured error; FromSource, Sink, and the
	// operator constructors do not check it.
	Kind() OperatorKind
}

// SourceFunc ignores its input and produces 0..N messages per execute,
// exposing has_next so the engine can detect exhaustion, and init/close
// lifecycle hooks (§4.2, §6).
type SourceFunc interface {
	Function
	Init(ctx context.Context) error
	Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error)
	HasNext() bool
	Close(ctx context.Context) error
}

// MapFunc returns exactly as many messages as it received, order
// preserved; a nil at a position removes that message.
type MapFunc interface {
	Function
	Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error)
}

// FilterFunc returns a subsequence of its input in original order;
// retained messages are forwarded unmodified.
type FilterFunc interface {
	Function
	Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error)
}

// SinkFunc consumes all input messages and returns only an error, never a
// response, with the same init/close discipline as SourceFunc.
type SinkFunc interface {
	Function
	Init(ctx context.Context) error
	Execute(ctx context.Context, in *FunctionResponse) error
	Close(ctx context.Context) error
}

// FlatMapFunc may return any number of output messages per input message;
// unlike MapFunc, cardinality is not preserved.
type FlatMapFunc interface {
	Function
	Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error)
}

// KeyFunc computes a partition key for a Message.
type KeyFunc func(m *Message) string

// KeyByFunc stamps a computed key into each message's metadata.
type KeyByFunc interface {
	Function
	Key(m *Message) string
	MetadataKey() string
}

// WindowFunc decides when a buffered batch of messages should close and
// be emitted.
type WindowFunc interface {
	Function
	// Ready reports whether the current buffer, holding bufferSize
	// messages and open for elapsed, should close now.
	Ready(bufferSize int, elapsed time.Duration) bool
}

// Fold combines a payload into a single Message, mirroring the teacher's
// Fold type (types.go): aggregate and next, returning the new aggregate.
type Fold func(aggregate, next *Message) *Message

// AggregateFunc exposes the Fold used to combine a batch of messages into
// one.
type AggregateFunc interface {
	Function
	Seed() *Message
	Combine(aggregate, next *Message) *Message
}

// JoinFunc is the only variant with a two-input execute (§4.2).
type JoinFunc interface {
	Function
	Execute(ctx context.Context, left, right *Message) (*FunctionResponse, error)
}

// TopKFunc ranks messages by Message.Quality and is flushed explicitly:
// Ready reports whether the operator should emit its current ranked
// batch and start a new one.
type TopKFunc interface {
	Function
	K() int
	Ready(bufferSize int, elapsed time.Duration) bool
}

// ITopKFunc is TopKFunc's incremental sibling: it emits the current
// top-K after every message instead of waiting for an explicit flush.
type ITopKFunc interface {
	Function
	K() int
}
