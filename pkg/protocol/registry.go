package protocol

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Factory returns a new zero packet, always a pointer.
type Factory func() Packet

// Registry maps packet identifiers to packet factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[ID]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ID]Factory)}
}

// NewDefaultRegistry returns a registry holding every packet of this package.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterDefaults(r)
	return r
}

// Register adds f under id. Every identifier may only be registered once.
func (r *Registry) Register(id ID, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[id]; ok {
		return errors.Wrapf(ErrDuplicateID, "register %s", id)
	}
	r.factories[id] = f
	return nil
}

// MustRegister is like Register but panics on a duplicate identifier.
func (r *Registry) MustRegister(id ID, f Factory) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under id.
func (r *Registry) Lookup(id ID) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	return f, ok
}

// IDs returns every registered identifier, sorted.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Decode builds the packet registered under id from body.
func (r *Registry) Decode(id ID, body map[string]any) (Packet, error) {
	f, ok := r.Lookup(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotRegistered, "decode %s", id)
	}

	pk := f()
	if err := DecodeBody(pk, body); err != nil {
		return nil, errors.Wrapf(err, "decode %s", id)
	}
	return pk, nil
}

// PurposeSetter is implemented by packets whose purpose is carried by the
// header instead of the body.
type PurposeSetter interface {
	SetPurpose(p Purpose)
}

// DecodeFrame is like Decode but also restores the purpose of packets that
// implement PurposeSetter from the frame header.
func (r *Registry) DecodeFrame(id ID, f Frame) (Packet, error) {
	pk, err := r.Decode(id, f.Body)
	if err != nil {
		return nil, err
	}
	if ps, ok := pk.(PurposeSetter); ok {
		ps.SetPurpose(f.Header.MessagePurpose)
	}
	return pk, nil
}

// EncodeBody converts pk into the generic body sent on the wire.
func EncodeBody(pk Packet) (map[string]any, error) {
	if enc, ok := pk.(BodyEncoder); ok {
		return enc.EncodeBody()
	}

	data, err := json.Marshal(pk)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", pk.ID())
	}

	body := make(map[string]any)
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errors.Wrapf(err, "encode %s", pk.ID())
	}
	return body, nil
}

// DecodeBody fills pk, which must be a pointer, from body.
func DecodeBody(pk Packet, body map[string]any) error {
	if dec, ok := pk.(BodyDecoder); ok {
		return dec.DecodeBody(body)
	}

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           pk,
	})
	if err != nil {
		return err
	}
	return d.Decode(body)
}
