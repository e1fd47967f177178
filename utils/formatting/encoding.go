// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package formatting implements the encodings used to render byte payloads on
// the operator surface.
package formatting

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	checksumLen = 4

	hexPrefix = "0x"
)

var (
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	ErrMissingHexPrefix    = errors.New("missing 0x prefix to hex encoding")
	ErrMissingChecksum     = errors.New("input string is smaller than the checksum size")
	ErrBadChecksum         = errors.New("invalid input checksum")
)

// Encoding defines how bytes are converted to and from a string.
type Encoding byte

const (
	// Hex specifies a hex plus 4 byte checksum encoding format
	Hex Encoding = iota
)

func (enc Encoding) String() string {
	switch enc {
	case Hex:
		return "hex"
	default:
		return ErrUnsupportedEncoding.Error()
	}
}

func (enc Encoding) valid() bool {
	return enc == Hex
}

func (enc Encoding) MarshalJSON() ([]byte, error) {
	if !enc.valid() {
		return nil, ErrUnsupportedEncoding
	}
	return []byte(`"` + enc.String() + `"`), nil
}

func (enc *Encoding) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch strings.ToLower(str) {
	case "hex":
		*enc = Hex
	default:
		return ErrUnsupportedEncoding
	}
	return nil
}

// Encode [bytes] to a string using the given encoding format. A 4 byte
// checksum of the payload is appended before encoding.
func Encode(enc Encoding, bytes []byte) (string, error) {
	if !enc.valid() {
		return "", ErrUnsupportedEncoding
	}

	checked := make([]byte, len(bytes)+checksumLen)
	copy(checked, bytes)
	checksum := sha256.Sum256(bytes)
	copy(checked[len(bytes):], checksum[len(checksum)-checksumLen:])
	return hexPrefix + hex.EncodeToString(checked), nil
}

// Decode [str] to bytes using the given encoding format, verifying the
// trailing checksum.
func Decode(enc Encoding, str string) ([]byte, error) {
	if !enc.valid() {
		return nil, ErrUnsupportedEncoding
	}
	if len(str) == 0 {
		return nil, nil
	}

	if !strings.HasPrefix(str, hexPrefix) {
		return nil, ErrMissingHexPrefix
	}
	checked, err := hex.DecodeString(strings.TrimPrefix(str, hexPrefix))
	if err != nil {
		return nil, err
	}

	if len(checked) < checksumLen {
		return nil, ErrMissingChecksum
	}
	payload := checked[:len(checked)-checksumLen]
	checksum := sha256.Sum256(payload)
	if !strings.HasSuffix(string(checked), string(checksum[len(checksum)-checksumLen:])) {
		return nil, fmt.Errorf("%w: expected %x", ErrBadChecksum, checksum[len(checksum)-checksumLen:])
	}
	return payload, nil
}
