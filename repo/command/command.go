// Package command implements the repository control protocol: CBOR-encoded
// parameter blocks carried in the request name, HTTP-like status codes in
// the reply, and a client that signs, sends and retries each verb.
package command

import (
	"errors"
	"fmt"

	"difs/ndn/name"

	"github.com/fxamacker/cbor/v2"
)

// Command verbs understood by the repository.
const (
	VerbInsert      = "insert"
	VerbInsertCheck = "insert check"
	VerbDelete      = "delete"
	VerbDelNode     = "del-node"
	VerbGet         = "get"
	VerbInfo        = "info"
	VerbRingInfo    = "ringInfo"
)

// StatusNotFound is the distinguished "not found" reply code. Codes below
// 400 mean success or in-progress, 400 and above mean failure.
const StatusNotFound = 404

var ErrNotFound = errors.New("not found")
var ErrRetryExhausted = errors.New("retries exhausted")

// Parameters is the encoded parameter block of a command request. Each verb
// uses a subset of the fields.
type Parameters struct {
	Name       string `cbor:"1,keyasint,omitempty"`
	ProcessID  uint64 `cbor:"2,keyasint,omitempty"`
	From       []byte `cbor:"3,keyasint,omitempty"`
	To         []byte `cbor:"4,keyasint,omitempty"`
	NodePrefix string `cbor:"5,keyasint,omitempty"`
}

// Response is the structured reply to a command request.
type Response struct {
	Code      int    `cbor:"1,keyasint"`
	Text      string `cbor:"2,keyasint,omitempty"`
	ProcessID uint64 `cbor:"3,keyasint,omitempty"`
	InsertNum uint64 `cbor:"4,keyasint,omitempty"`
}

// StatusError carries a failure reply code back to the caller.
type StatusError struct {
	Code int
	Text string
}

func (e *StatusError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("repository returned code %d: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("repository returned code %d", e.Code)
}

// CommandName builds the request name <prefix>/<verb>/<encoded-params>.
// A nil params block yields the bare <prefix>/<verb> name.
func CommandName(prefix name.Name, verb string, params *Parameters) (name.Name, error) {
	n := prefix.AppendGeneric(verb)
	if params == nil {
		return n, nil
	}
	enc, err := cbor.Marshal(params)
	if err != nil {
		return name.Name{}, fmt.Errorf("encode %s parameters: %w", verb, err)
	}
	return n.Append(name.GenericComponent(enc)), nil
}

// ParseParameters decodes the parameter block component of a command name.
func ParseParameters(c name.Component) (*Parameters, error) {
	p := &Parameters{}
	if err := cbor.Unmarshal(c.Value, p); err != nil {
		return nil, fmt.Errorf("decode command parameters: %w", err)
	}
	return p, nil
}

// ParseResponse decodes a command reply body.
func ParseResponse(content []byte) (*Response, error) {
	r := &Response{}
	if err := cbor.Unmarshal(content, r); err != nil {
		return nil, fmt.Errorf("decode command response: %w", err)
	}
	return r, nil
}

// EncodeResponse encodes a command reply body.
func EncodeResponse(r *Response) ([]byte, error) {
	return cbor.Marshal(r)
}
