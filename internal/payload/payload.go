// Package payload encodes the stored body of a version record: either a full
// document tree or a delta against the previous record, serialized as JSON
// and compressed with zstd.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/specvault/internal/delta"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// ErrCorruptPayload indicates stored bytes that do not decompress or parse.
var ErrCorruptPayload = errors.New("payload: corrupt payload")

// Payload is the body of a version record. It is either Full or Diff.
type Payload interface {
	isPayload()
}

// Full carries a complete document tree.
type Full struct {
	Tree any
}

// Diff carries a delta relative to the previous record in the chain.
type Diff struct {
	Delta *delta.Delta
}

func (Full) isPayload() {}

func (Diff) isPayload() {}

// IsFull reports whether the payload is a full snapshot.
func IsFull(body Payload) bool {
	_, ok := body.(Full)
	return ok
}

// Codec serializes payloads. Encoding and decoding are safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec constructs a Codec with default zstd settings.
func NewCodec() (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("payload: create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close() //nolint:errcheck
		return nil, fmt.Errorf("payload: create decoder: %w", err)
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

// Close releases the compressor resources.
func (codec *Codec) Close() error {
	codec.decoder.Close()
	return codec.encoder.Close()
}

// Encode serializes and compresses a payload.
func (codec *Codec) Encode(body Payload) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch value := body.(type) {
	case Full:
		raw, err = json.Marshal(value.Tree)
	case Diff:
		if value.Delta.Empty() {
			return nil, fmt.Errorf("payload: refusing to encode empty delta")
		}
		raw, err = value.Delta.MarshalJSON()
	default:
		return nil, fmt.Errorf("payload: unsupported payload %T", body)
	}
	if err != nil {
		return nil, fmt.Errorf("payload: encode: %w", err)
	}
	return codec.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode decompresses stored bytes and parses them as a full tree or as a
// delta depending on isFull.
func (codec *Codec) Decode(data []byte, isFull bool) (Payload, error) {
	raw, err := codec.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if isFull {
		var tree any
		if err := json.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		return Full{Tree: tree}, nil
	}
	var parsed delta.Delta
	if err := parsed.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return Diff{Delta: &parsed}, nil
}

// DecodeTree decodes a full payload and returns its tree.
func (codec *Codec) DecodeTree(data []byte) (any, error) {
	body, err := codec.Decode(data, true)
	if err != nil {
		return nil, err
	}
	return body.(Full).Tree, nil
}

// DecodeDelta decodes a delta payload.
func (codec *Codec) DecodeDelta(data []byte) (*delta.Delta, error) {
	body, err := codec.Decode(data, false)
	if err != nil {
		return nil, err
	}
	return body.(Diff).Delta, nil
}

// Hash returns the hex sha256 of encoded payload bytes.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
