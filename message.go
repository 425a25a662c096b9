package flowgraph

import (
	"bytes"
	"encoding/gob"
	"sync/atomic"
	"time"
)

// ContentKind discriminates the payload a Message carries.
type ContentKind int

const (
	// ContentText marks a Message carrying a UTF-8 string payload.
	ContentText ContentKind = iota
	// ContentBinary marks a Message carrying an opaque byte payload.
	ContentBinary
	// ContentImage marks a Message carrying image bytes.
	ContentImage
	// ContentAudio marks a Message carrying audio bytes.
	ContentAudio
	// ContentVideo marks a Message carrying video bytes.
	ContentVideo
	// ContentEmbedding marks a Message carrying a vector payload.
	ContentEmbedding
	// ContentMetadata marks a Message whose payload is metadata only.
	ContentMetadata
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentBinary:
		return "binary"
	case ContentImage:
		return "image"
	case ContentAudio:
		return "audio"
	case ContentVideo:
		return "video"
	case ContentEmbedding:
		return "embedding"
	case ContentMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Content is the tagged payload variant a Message carries. Exactly one of
// Text, Bytes, or Vector is meaningful, selected by Kind.
type Content struct {
	Kind   ContentKind
	Text   string
	Bytes  []byte
	Vector []float64
}

var messageSeq uint64

// nextMessageID assigns the next sequential 64-bit message identifier.
// Identifier assignment is the creator's responsibility; the engine never
// reassigns IDs while forwarding a Message (§4.1).
func nextMessageID() uint64 {
	return atomic.AddUint64(&messageSeq, 1)
}

// Message is the opaque unit of data flowing through a graph. A Message is
// move-only: it is exclusively owned by exactly one holder at any instant
// (a source, an in-flight FunctionResponse, or a downstream operator).
// Callers that need to retain an independent copy must go through Clone,
// which assigns a fresh identifier — Messages are never duplicated in
// place.
type Message struct {
	id        uint64
	createdAt time.Time
	Content   Content
	Metadata  map[string]string
	Trace     []string
	Quality   *float64
}

// NewMessage constructs a Message with a freshly assigned identifier and
// creation timestamp. This is the factory every source or transforming
// function must use to mint a new Message.
func NewMessage(content Content) *Message {
	return &Message{
		id:        nextMessageID(),
		createdAt: time.Now(),
		Content:   content,
		Metadata:  map[string]string{},
		Trace:     nil,
	}
}

// ID returns the Message's 64-bit unique identifier.
func (m *Message) ID() uint64 { return m.id }

// CreatedAt returns the Message's creation timestamp.
func (m *Message) CreatedAt() time.Time { return m.createdAt }

// WithMetadata sets a metadata entry and returns the Message for chaining.
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	m.Metadata[key] = value
	return m
}

// WithQuality sets the optional quality score, expected in [0,1].
func (m *Message) WithQuality(score float64) *Message {
	m.Quality = &score
	return m
}

// appendTrace records a processing-step label. Operators call this once
// per invocation on every Message they handle.
func (m *Message) appendTrace(label string) {
	m.Trace = append(m.Trace, label)
}

// fork returns an independent copy of m carrying the SAME identifier, for
// delivery to a second (or further) outgoing edge during broadcast fan-out
// (§9 Open Questions: fan-out is broadcast, every successor sees every
// record). Unlike Clone, fork never reassigns an identifier: the copies
// are the same logical message observed on separate branches, not new
// messages, so a multi-sink scenario still sees matching IDs on every
// branch. Every field is deep-copied so the branches never alias.
func (m *Message) fork() *Message {
	metadata := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		metadata[k] = v
	}
	content := m.Content
	if content.Bytes != nil {
		content.Bytes = append([]byte(nil), content.Bytes...)
	}
	if content.Vector != nil {
		content.Vector = append([]float64(nil), content.Vector...)
	}
	var quality *float64
	if m.Quality != nil {
		q := *m.Quality
		quality = &q
	}
	return &Message{
		id:        m.id,
		createdAt: m.createdAt,
		Content:   content,
		Metadata:  metadata,
		Trace:     append([]string(nil), m.Trace...),
		Quality:   quality,
	}
}

// Clone builds a brand-new Message with a fresh identifier carrying an
// independent deep copy of this Message's content and metadata. It is the
// only sanctioned way to duplicate a Message — in-place copies would
// violate single-ownership (§4.1). The deep copy itself is produced with
// an encoding/gob round-trip, the same technique the teacher codebase
// used for its payload deep-copy option.
func (m *Message) Clone() *Message {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	dec := gob.NewDecoder(&buf)

	type wire struct {
		Content  Content
		Metadata map[string]string
		Trace    []string
		Quality  *float64
	}

	in := wire{Content: m.Content, Metadata: m.Metadata, Trace: m.Trace, Quality: m.Quality}
	if err := enc.Encode(in); err != nil {
		// Content is always gob-encodable (string/[]byte/[]float64/maps of
		// strings); a failure here means a caller stuffed something exotic
		// into Content.Vector or Metadata. Fall back to a shallow copy
		// rather than losing the clone outright.
		clone := &Message{id: nextMessageID(), createdAt: time.Now(), Content: m.Content}
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
		clone.Trace = append([]string(nil), m.Trace...)
		clone.Quality = m.Quality
		return clone
	}

	var out wire
	_ = dec.Decode(&out)

	return &Message{
		id:        nextMessageID(),
		createdAt: time.Now(),
		Content:   out.Content,
		Metadata:  out.Metadata,
		Trace:     out.Trace,
		Quality:   out.Quality,
	}
}
