package cipher

import (
	"fmt"
	"sort"
)

// DefaultKeyID names the key used when a request carries no key id.
const DefaultKeyID = "default"

// Keyring maps key ids to codecs.
type Keyring struct {
	defaultID string
	codecs    map[string]*Codec
}

// NewKeyring builds a keyring from raw key strings (see ParseKey).
// defaultID must be one of the ids in keys.
func NewKeyring(defaultID string, keys map[string]string) (*Keyring, error) {
	if defaultID == "" {
		defaultID = DefaultKeyID
	}
	kr := &Keyring{defaultID: defaultID, codecs: make(map[string]*Codec, len(keys))}
	for id, s := range keys {
		key, err := ParseKey(s)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		codec, err := NewCodec(key)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		kr.codecs[id] = codec
	}
	if _, ok := kr.codecs[defaultID]; !ok {
		return nil, fmt.Errorf("default key %q is not configured", defaultID)
	}
	return kr, nil
}

// Lookup returns the codec for id, or the default codec when id is empty.
func (k *Keyring) Lookup(id string) (*Codec, error) {
	if id == "" {
		id = k.defaultID
	}
	c, ok := k.codecs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, id)
	}
	return c, nil
}

// IDs lists the configured key ids in sorted order.
func (k *Keyring) IDs() []string {
	ids := make([]string, 0, len(k.codecs))
	for id := range k.codecs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
