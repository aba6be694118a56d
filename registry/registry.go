// Package registry defines the Registry contract that LogBuffer
// consumes to encode/decode typed payloads, plus StaticRegistry, a
// minimal concrete implementation for this module's own tests.
//
// The registry is deliberately kept out of the core store's
// responsibilities: the core only ever calls through this interface.
package registry

import (
	"fmt"
	"reflect"

	"github.com/little-pan/logbuffers/types"
)

// Encoder turns a value into bytes for a given type tag.
type Encoder func(v any) ([]byte, error)

// Decoder turns bytes back into a value for a given type tag.
type Decoder func(data []byte) (any, error)

// Descriptor binds one non-zero type tag to its Go type and codec
// functions.
type Descriptor struct {
	Tag    uint64
	Type   reflect.Type
	Encode Encoder
	Decode Decoder
}

// Registry is the contract LogBuffer depends on. Implementations map a
// type tag to a (Class, encoder, decoder) triple.
type Registry interface {
	// EncodeValue resolves the type tag and bytes for v's concrete type.
	// Fails with types.ErrNoEncoder if v's type is unregistered.
	EncodeValue(v any) (tag uint64, data []byte, err error)
	// DecodeValue resolves and invokes the decoder registered for tag.
	// Fails with types.ErrNoDecoder if tag is unregistered.
	DecodeValue(tag uint64, data []byte) (any, error)
	// ClassFor returns the Go type registered for tag, or false if none.
	ClassFor(tag uint64) (reflect.Type, bool)
	// TagFor returns the type tag registered for typ, or false if none.
	TagFor(typ reflect.Type) (uint64, bool)
}

// StaticRegistry is a fixed, pre-populated Registry built from a set of
// Descriptors. It is concurrency-safe for reads after construction;
// registrations are not expected to change once a LogBuffer is open.
type StaticRegistry struct {
	byTag  map[uint64]Descriptor
	byType map[reflect.Type]Descriptor
}

// NewStaticRegistry builds a StaticRegistry from descriptors. Every tag
// must be non-zero (tag 0 is reserved for raw, undecoded records) and
// unique, and every Go type must be registered at most once.
func NewStaticRegistry(descriptors ...Descriptor) (*StaticRegistry, error) {
	r := &StaticRegistry{
		byTag:  make(map[uint64]Descriptor, len(descriptors)),
		byType: make(map[reflect.Type]Descriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.Tag == types.RawType {
			return nil, fmt.Errorf("logbuffers: type tag 0 is reserved for raw records: %w", types.ErrInvalidArgument)
		}
		if _, exists := r.byTag[d.Tag]; exists {
			return nil, fmt.Errorf("logbuffers: type tag %d registered twice: %w", d.Tag, types.ErrInvalidArgument)
		}
		if _, exists := r.byType[d.Type]; exists {
			return nil, fmt.Errorf("logbuffers: type %s registered twice: %w", d.Type, types.ErrInvalidArgument)
		}
		r.byTag[d.Tag] = d
		r.byType[d.Type] = d
	}
	return r, nil
}

func (r *StaticRegistry) EncodeValue(v any) (uint64, []byte, error) {
	typ := reflect.TypeOf(v)
	d, ok := r.byType[typ]
	if !ok {
		return 0, nil, fmt.Errorf("logbuffers: no encoder for %s: %w", typ, types.ErrNoEncoder)
	}
	data, err := d.Encode(v)
	if err != nil {
		return 0, nil, err
	}
	return d.Tag, data, nil
}

func (r *StaticRegistry) DecodeValue(tag uint64, data []byte) (any, error) {
	d, ok := r.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("logbuffers: no decoder for tag %d: %w", tag, types.ErrNoDecoder)
	}
	return d.Decode(data)
}

func (r *StaticRegistry) ClassFor(tag uint64) (reflect.Type, bool) {
	d, ok := r.byTag[tag]
	if !ok {
		return nil, false
	}
	return d.Type, true
}

func (r *StaticRegistry) TagFor(typ reflect.Type) (uint64, bool) {
	d, ok := r.byType[typ]
	if !ok {
		return 0, false
	}
	return d.Tag, true
}
