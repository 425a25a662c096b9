package flowgraph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// sliceSource replays a fixed slice of messages and reports HasNext false
// once exhausted.
type sliceSource struct {
	messages []*Message
	idx      int
	inits    int32
	closes   int32
}

func newSliceSource(texts ...string) *sliceSource {
	msgs := make([]*Message, len(texts))
	for i, t := range texts {
		msgs[i] = NewMessage(Content{Kind: ContentText, Text: t})
	}
	return &sliceSource{messages: msgs}
}

func (s *sliceSource) Kind() OperatorKind { return KindSource }
func (s *sliceSource) Init(ctx context.Context) error {
	atomic.AddInt32(&s.inits, 1)
	return nil
}
func (s *sliceSource) Close(ctx context.Context) error {
	atomic.AddInt32(&s.closes, 1)
	return nil
}
func (s *sliceSource) HasNext() bool { return s.idx < len(s.messages) }
func (s *sliceSource) Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error) {
	if s.idx >= len(s.messages) {
		return NewFunctionResponse(), nil
	}
	m := s.messages[s.idx]
	s.idx++
	return NewFunctionResponse(m), nil
}

// infiniteSource never exhausts; each call mints a fresh text message.
type infiniteSource struct {
	n int32
}

func (s *infiniteSource) Kind() OperatorKind           { return KindSource }
func (s *infiniteSource) Init(ctx context.Context) error  { return nil }
func (s *infiniteSource) Close(ctx context.Context) error { return nil }
func (s *infiniteSource) HasNext() bool                { return true }
func (s *infiniteSource) Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error) {
	n := atomic.AddInt32(&s.n, 1)
	return NewFunctionResponse(NewMessage(Content{Kind: ContentText, Text: fmt.Sprintf("msg-%d", n)})), nil
}

// upperMap uppercases each message's text in place, preserving identity.
type upperMap struct{}

func (upperMap) Kind() OperatorKind { return KindMap }
func (upperMap) Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error) {
	out := NewFunctionResponse()
	for _, m := range in.Messages() {
		m.Content.Text = strings.ToUpper(m.Content.Text)
		out.Add(m)
	}
	return out, nil
}

// failingMap errors whenever the predicate matches the message.
type failingMap struct {
	shouldFail func(*Message) bool
}

func (failingMap) Kind() OperatorKind { return KindMap }
func (f failingMap) Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error) {
	out := NewFunctionResponse()
	for _, m := range in.Messages() {
		if f.shouldFail(m) {
			return nil, fmt.Errorf("rejected message %d", m.ID())
		}
		out.Add(m)
	}
	return out, nil
}

// panicMap always panics, exercising Process's recover() path.
type panicMap struct{}

func (panicMap) Kind() OperatorKind { return KindMap }
func (panicMap) Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error) {
	panic("boom")
}

// minLenFilter keeps messages whose text is at least min bytes long.
type minLenFilter struct{ min int }

func (minLenFilter) Kind() OperatorKind { return KindFilter }
func (f minLenFilter) Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error) {
	out := NewFunctionResponse()
	for _, m := range in.Messages() {
		if len(m.Content.Text) >= f.min {
			out.Add(m)
		}
	}
	return out, nil
}

// collectSink appends every message it receives into a slice, guarded by a
// mutex since the Pooled scheduler may invoke sinks across goroutines.
type collectSink struct {
	mu       sync.Mutex
	received []*Message
	inits    int32
	closes   int32
}

func (s *collectSink) Kind() OperatorKind { return KindSink }
func (s *collectSink) Init(ctx context.Context) error {
	atomic.AddInt32(&s.inits, 1)
	return nil
}
func (s *collectSink) Close(ctx context.Context) error {
	atomic.AddInt32(&s.closes, 1)
	return nil
}
func (s *collectSink) Execute(ctx context.Context, in *FunctionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, in.Messages()...)
	return nil
}

func (s *collectSink) snapshot() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.received...)
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// identityFlatMap emits copies independent clones of every incoming
// message (the original itself is not emitted), exercising
// FlatMap's cardinality-not-preserved contract.
type identityFlatMap struct{ copies int }

func (identityFlatMap) Kind() OperatorKind { return KindFlatMap }
func (f identityFlatMap) Execute(ctx context.Context, in *FunctionResponse) (*FunctionResponse, error) {
	out := NewFunctionResponse()
	for _, m := range in.Messages() {
		for i := 0; i < f.copies; i++ {
			out.Add(m.Clone())
		}
	}
	return out, nil
}

// firstCharKey keys a message by its first byte, stamped under "key".
type firstCharKey struct{}

func (firstCharKey) Kind() OperatorKind { return KindKeyBy }
func (firstCharKey) Key(m *Message) string {
	if m.Content.Text == "" {
		return ""
	}
	return m.Content.Text[:1]
}
func (firstCharKey) MetadataKey() string { return "key" }

// countWindow closes a window once bufferSize reaches n.
type countWindow struct{ n int }

func (countWindow) Kind() OperatorKind { return KindWindow }
func (w countWindow) Ready(bufferSize int, elapsed time.Duration) bool { return bufferSize >= w.n }

// concatAggregate concatenates message text into a running aggregate.
type concatAggregate struct{}

func (concatAggregate) Kind() OperatorKind { return KindAggregate }
func (concatAggregate) Seed() *Message {
	return NewMessage(Content{Kind: ContentText, Text: ""})
}
func (concatAggregate) Combine(aggregate, next *Message) *Message {
	aggregate.Content.Text += next.Content.Text
	return aggregate
}

// concatJoin merges two messages' text with a separator.
type concatJoin struct{}

func (concatJoin) Kind() OperatorKind { return KindJoin }
func (concatJoin) Execute(ctx context.Context, left, right *Message) (*FunctionResponse, error) {
	return NewFunctionResponse(NewMessage(Content{
		Kind: ContentText,
		Text: left.Content.Text + "|" + right.Content.Text,
	})), nil
}

// fixedTopK always reports K and flushes once bufferSize reaches n.
type fixedTopK struct{ k, n int }

func (fixedTopK) Kind() OperatorKind { return KindTopK }
func (f fixedTopK) K() int { return f.k }
func (f fixedTopK) Ready(bufferSize int, elapsed time.Duration) bool { return bufferSize >= f.n }

// fixedITopK always reports K, emitting its ranked state after every call.
type fixedITopK struct{ k int }

func (fixedITopK) Kind() OperatorKind { return KindITopK }
func (f fixedITopK) K() int { return f.k }
