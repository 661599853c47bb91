// Package codec converts opaque task payloads to and from a printable,
// line-safe text form.
//
// Values are serialized with canonical CBOR and the bytes are then encoded
// as standard base64 without line breaks, so a packed payload can be
// appended to files or carried in HTTP bodies unchanged.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
)

// ErrDecode indicates malformed payload text.
var ErrDecode = errors.New("payload decode failed")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor dec mode: %v", err))
	}
}

// Pack serializes v and returns its text encoding.
func Pack(v any) (string, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("pack payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Unpack reverses Pack into a generic value.
//
// Maps decode as map[string]any and integers as int64; use UnpackInto to
// decode into a concrete type.
func Unpack(text string) (any, error) {
	var v any
	if err := UnpackInto(text, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnpackInto reverses Pack into out, which must be a non-nil pointer.
func UnpackInto(text string, out any) error {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if len(b) == 0 {
		return fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if err := decMode.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: cbor: %v", ErrDecode, err)
	}
	return nil
}
