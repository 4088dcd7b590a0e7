// Package name implements hierarchical data names: ordered sequences of
// opaque byte components with a distinguished segment component kind.
// Names are value types, equality and prefix-relation are component-wise.
package name

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type ComponentType uint8

const (
	// Component type numbers follow the NDN naming conventions.
	ComponentTypeGeneric ComponentType = 8
	ComponentTypeSegment ComponentType = 33
)

var ErrInvalidURI = errors.New("invalid name URI")
var ErrNotSegment = errors.New("component is not a segment component")

// Component is a single typed name component.
type Component struct {
	Type  ComponentType `cbor:"1,keyasint"`
	Value []byte        `cbor:"2,keyasint,omitempty"`
}

func GenericComponent(value []byte) Component {
	return Component{Type: ComponentTypeGeneric, Value: value}
}

// SegmentComponent encodes a non-negative segment index as a component.
// The index is encoded big-endian with leading zero bytes stripped.
func SegmentComponent(index uint64) Component {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return Component{Type: ComponentTypeSegment, Value: buf[i:]}
}

func (c Component) IsSegment() bool {
	return c.Type == ComponentTypeSegment
}

// Segment decodes the segment index carried by a segment component.
func (c Component) Segment() (uint64, error) {
	if !c.IsSegment() || len(c.Value) == 0 || len(c.Value) > 8 {
		return 0, ErrNotSegment
	}
	var buf [8]byte
	copy(buf[8-len(c.Value):], c.Value)
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (c Component) Equal(other Component) bool {
	return c.Type == other.Type && string(c.Value) == string(other.Value)
}

func (c Component) String() string {
	if c.IsSegment() {
		seg, err := c.Segment()
		if err == nil {
			return fmt.Sprintf("seg=%d", seg)
		}
	}
	return url.PathEscape(string(c.Value))
}

// Name is an ordered sequence of components. The zero value is the empty
// name. Mutating methods return a new Name, the receiver is never changed.
type Name struct {
	Components []Component `cbor:"1,keyasint,omitempty"`
}

// FromURI parses a name from its URI form, e.g. "/repo/file/seg=3".
// An empty string or "/" parses to the empty name.
func FromURI(uri string) (Name, error) {
	uri = strings.TrimPrefix(uri, "/")
	if uri == "" {
		return Name{}, nil
	}
	var n Name
	for _, part := range strings.Split(uri, "/") {
		if part == "" {
			return Name{}, fmt.Errorf("%w: empty component in %q", ErrInvalidURI, uri)
		}
		if rest, ok := strings.CutPrefix(part, "seg="); ok {
			seg, err := strconv.ParseUint(rest, 10, 64)
			if err != nil {
				return Name{}, fmt.Errorf("%w: bad segment component %q", ErrInvalidURI, part)
			}
			n.Components = append(n.Components, SegmentComponent(seg))
			continue
		}
		val, err := url.PathUnescape(part)
		if err != nil {
			return Name{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		n.Components = append(n.Components, GenericComponent([]byte(val)))
	}
	return n, nil
}

func MustFromURI(uri string) Name {
	n, err := FromURI(uri)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Name) String() string {
	if len(n.Components) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, c := range n.Components {
		sb.WriteByte('/')
		sb.WriteString(c.String())
	}
	return sb.String()
}

func (n Name) Size() int {
	return len(n.Components)
}

func (n Name) At(i int) Component {
	return n.Components[i]
}

// Append returns a new name with the given components appended.
func (n Name) Append(components ...Component) Name {
	out := make([]Component, 0, len(n.Components)+len(components))
	out = append(out, n.Components...)
	out = append(out, components...)
	return Name{Components: out}
}

func (n Name) AppendGeneric(value string) Name {
	return n.Append(GenericComponent([]byte(value)))
}

func (n Name) AppendSegment(index uint64) Name {
	return n.Append(SegmentComponent(index))
}

// AppendName concatenates another name's components onto this one.
func (n Name) AppendName(other Name) Name {
	return n.Append(other.Components...)
}

func (n Name) Equal(other Name) bool {
	if len(n.Components) != len(other.Components) {
		return false
	}
	for i := range n.Components {
		if !n.Components[i].Equal(other.Components[i]) {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether n is a (non-strict) prefix of other.
func (n Name) IsPrefixOf(other Name) bool {
	if len(n.Components) > len(other.Components) {
		return false
	}
	for i := range n.Components {
		if !n.Components[i].Equal(other.Components[i]) {
			return false
		}
	}
	return true
}

// Prefix returns the name truncated to the first count components.
func (n Name) Prefix(count int) Name {
	return Name{Components: n.Components[:count]}
}
