package flowgraph

// FunctionResponse is an ordered, move-only sequence of owned Messages
// exchanged between an operator and its function on a single invocation.
// A response is never shared: it is handed from caller to callee and back.
// Add, Clear, Size, IsEmpty, and the Messages accessor are its public
// operations (§4.1).
type FunctionResponse struct {
	messages []*Message
}

// NewFunctionResponse returns an empty response, optionally pre-populated.
func NewFunctionResponse(messages ...*Message) *FunctionResponse {
	return &FunctionResponse{messages: messages}
}

// Add appends a Message to the response, taking ownership of it.
func (r *FunctionResponse) Add(m *Message) {
	if m == nil {
		return
	}
	r.messages = append(r.messages, m)
}

// Clear releases every Message currently held by the response. Emptiness
// after Clear indicates end-of-stream only when the response was returned
// by a Source function.
func (r *FunctionResponse) Clear() {
	r.messages = nil
}

// Size returns the number of Messages currently held.
func (r *FunctionResponse) Size() int { return len(r.messages) }

// IsEmpty reports whether the response currently holds no Messages.
func (r *FunctionResponse) IsEmpty() bool { return len(r.messages) == 0 }

// Messages returns the response's underlying Message slice in insertion
// order. Callers must not retain the slice beyond the current invocation;
// it is invalidated by the next Clear.
func (r *FunctionResponse) Messages() []*Message { return r.messages }
