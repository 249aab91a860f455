// Package codec provides the deterministic binary encoding used for hashing
// and exporting tasks and crums.
package codec

import (
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// logical value always produces identical bytes.
var encMode cbor.EncMode

// decMode decodes any-typed maps as map[string]any so values stay
// compatible with encoding/json consumers.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Canonical is the hashed form of a ledger entry. Field order is fixed by key sorting.
type Canonical struct {
	ID         string    `cbor:"id"`
	Timestamp  time.Time `cbor:"timestamp"`
	Action     string    `cbor:"action"`
	Actor      string    `cbor:"actor"`
	EntityType string    `cbor:"entity_type"`
	EntityID   string    `cbor:"entity_id"`
	Details    string    `cbor:"details"`
	PrevHash   string    `cbor:"prev_hash"`
}
