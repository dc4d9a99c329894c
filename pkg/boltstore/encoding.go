package boltstore

import (
	"bytes"
	"encoding/gob"

	"github.com/crystal-mush/worldtune/pkg/override"
)

// encodeOverride serializes a journaled override using gob.
func encodeOverride(in *override.Info) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeOverride deserializes bytes back into an override record.
func decodeOverride(data []byte) (*override.Info, error) {
	var in override.Info
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&in); err != nil {
		return nil, err
	}
	return &in, nil
}
