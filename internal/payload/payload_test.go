package payload

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/specvault/internal/delta"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(func() { _ = codec.Close() })
	return codec
}

func TestFullPayloadSurvivesEncoding(t *testing.T) {
	codec := newTestCodec(t)
	tree := map[string]any{"openapi": "3.1.0", "paths": map[string]any{"/pets": map[string]any{}}}

	encoded, err := codec.Encode(Full{Tree: tree})
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := codec.Decode(encoded, true)
	require.NoError(t, err)
	require.True(t, IsFull(decoded))
	require.True(t, delta.Equal(tree, decoded.(Full).Tree))
}

func TestDiffPayloadSurvivesEncoding(t *testing.T) {
	codec := newTestCodec(t)
	engine := delta.NewEngine(delta.Options{})
	before := map[string]any{"a": 1.0}
	after := map[string]any{"a": 1.0, "b": 2.0}

	encoded, err := codec.Encode(Diff{Delta: engine.Diff(before, after)})
	require.NoError(t, err)

	decodedDelta, err := codec.DecodeDelta(encoded)
	require.NoError(t, err)
	patched, err := engine.Patch(before, decodedDelta)
	require.NoError(t, err)
	require.True(t, delta.Equal(after, patched))
}

func TestEncodeRejectsEmptyDelta(t *testing.T) {
	codec := newTestCodec(t)
	_, err := codec.Encode(Diff{Delta: nil})
	require.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	codec := newTestCodec(t)
	_, err := codec.Decode([]byte("definitely not zstd"), true)
	require.True(t, errors.Is(err, ErrCorruptPayload), "got %v", err)
}

func TestDecodeDeltaRejectsForeignShape(t *testing.T) {
	codec := newTestCodec(t)
	encoded, err := codec.Encode(Full{Tree: []any{1.0, 2.0, 3.0, 4.0}})
	require.NoError(t, err)

	_, err = codec.DecodeDelta(encoded)
	require.ErrorIs(t, err, delta.ErrCorruptDelta)
}

func TestHashIsStable(t *testing.T) {
	require.Equal(t, Hash([]byte("abc")), Hash([]byte("abc")))
	require.NotEqual(t, Hash([]byte("abc")), Hash([]byte("abd")))
	require.Len(t, Hash(nil), 64)
}
