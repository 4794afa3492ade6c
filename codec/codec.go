// Package codec frames header/body pairs over a connection, with gob and
// JSON implementations; comm's network transport is its only user.
package codec

import "io"

// Header identifies one request/response frame on a Codec connection,
// the same shape the comm package's network transport exchanges between
// ranks: ServiceMethod names the call, Seq correlates request and reply
// (comm uses it to carry the message tag), Error carries a remote failure.
type Header struct {
	ServiceMethod string
	Seq           uint64
	Error         string
}

// Codec reads and writes Header/body frames on a single connection.
type Codec interface {
	io.Closer
	ReadHeader(*Header) error
	ReadBody(interface{}) error
	Write(*Header, interface{}) error
}

// Type selects a Codec implementation.
type Type string

const (
	GobType  Type = "application/gob"
	JsonType Type = "application/json"
)

// NewCodecFuncMap maps each Type to a constructor, mirroring Go's own
// net/rpc pattern of a small closed registry of codecs.
var NewCodecFuncMap = map[Type]func(io.ReadWriteCloser) Codec{
	GobType:  NewGobCodec,
	JsonType: NewJsonCodec,
}
