package delta

import (
	"errors"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func mustTree(t *testing.T, raw string) any {
	t.Helper()
	var tree any
	require.NoError(t, json.Unmarshal([]byte(raw), &tree))
	return tree
}

func roundTripWire(t *testing.T, d *Delta) *Delta {
	t.Helper()
	encoded, err := d.MarshalJSON()
	require.NoError(t, err)
	var decoded Delta
	require.NoError(t, decoded.UnmarshalJSON(encoded))
	return &decoded
}

func TestDiffOfIdenticalTreesIsEmpty(t *testing.T) {
	engine := NewEngine(Options{})
	tree := mustTree(t, `{"openapi":"3.0.0","paths":{"/pets":{"get":{"tags":["pets"]}}}}`)

	d := engine.Diff(tree, Clone(tree))
	require.Nil(t, d)
	require.True(t, d.Empty())
	require.Zero(t, Count(d))

	patched, err := engine.Patch(tree, d)
	require.NoError(t, err)
	require.True(t, Equal(tree, patched))
}

func TestPatchAndUnpatchRecoverBothSides(t *testing.T) {
	engine := NewEngine(Options{})
	cases := map[string][2]string{
		"added key":       {`{"a":1}`, `{"a":1,"b":2}`},
		"removed key":     {`{"a":1,"b":2}`, `{"a":1}`},
		"nested change":   {`{"info":{"title":"Pets","version":"1"}}`, `{"info":{"title":"Pets API","version":"1"}}`},
		"type change":     {`{"a":[1,2]}`, `{"a":{"b":1}}`},
		"array append":    {`{"tags":["a","b"]}`, `{"tags":["a","b","c"]}`},
		"array insert":    {`[1,2,3,4]`, `[1,9,2,3,4]`},
		"array delete":    {`[1,2,3,4]`, `[1,3,4]`},
		"array objects":   {`[{"id":1,"n":"a"},{"id":2,"n":"b"}]`, `[{"id":1,"n":"x"},{"id":2,"n":"b"},{"id":3}]`},
		"array reorder":   {`["a","b","c","d","e"]`, `["e","a","b","c","d"]`},
		"mixed array ops": {`[1,{"k":"v"},3,[4,5],6]`, `[6,{"k":"w"},[4],3,7]`},
		"root scalar":     {`1`, `"one"`},
		"null to value":   {`{"a":null}`, `{"a":{"b":true}}`},
	}
	for name, sides := range cases {
		t.Run(name, func(t *testing.T) {
			left := mustTree(t, sides[0])
			right := mustTree(t, sides[1])

			d := engine.Diff(left, right)
			require.NotNil(t, d)
			d = roundTripWire(t, d)

			patched, err := engine.Patch(left, d)
			require.NoError(t, err)
			require.True(t, Equal(right, patched), "patched %v", patched)

			restored, err := engine.Unpatch(right, d)
			require.NoError(t, err)
			require.True(t, Equal(left, restored), "restored %v", restored)
		})
	}
}

func TestPatchDoesNotMutateInput(t *testing.T) {
	engine := NewEngine(Options{})
	left := mustTree(t, `{"a":{"b":[1,2,3]}}`)
	right := mustTree(t, `{"a":{"b":[1,3],"c":true}}`)
	snapshot := Clone(left)

	_, err := engine.Patch(left, engine.Diff(left, right))
	require.NoError(t, err)
	require.True(t, Equal(snapshot, left))
}

func TestArrayMoveIsDetected(t *testing.T) {
	engine := NewEngine(Options{})
	left := mustTree(t, `[{"name":"alpha"},{"name":"beta"},{"name":"gamma"}]`)
	right := mustTree(t, `[{"name":"beta"},{"name":"gamma"},{"name":"alpha"}]`)

	d := engine.Diff(left, right)
	require.NotNil(t, d)
	require.Equal(t, Array, d.Kind)
	require.Len(t, d.Removed, 1)
	require.Equal(t, Moved, d.Removed[0].Kind)
	require.Equal(t, 2, d.Removed[0].To)
	require.Empty(t, d.Changed)
	require.Equal(t, 1, Count(d))

	encoded, err := d.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"_t":"a","_0":["",2,3]}`, string(encoded))
}

func TestLongStringsUseTextPatch(t *testing.T) {
	engine := NewEngine(Options{MinTextLength: 20})
	before := strings.Repeat("The pet store API lists every pet. ", 8)
	after := strings.Replace(before, "every pet", "every available pet", 1)

	d := engine.Diff(map[string]any{"description": before}, map[string]any{"description": after})
	require.NotNil(t, d)
	field := d.Fields["description"]
	require.Equal(t, Text, field.Kind)
	require.Less(t, len(field.Text), len(before))

	decoded := roundTripWire(t, d)
	patched, err := engine.Patch(map[string]any{"description": before}, decoded)
	require.NoError(t, err)
	require.Equal(t, after, patched.(map[string]any)["description"])

	restored, err := engine.Unpatch(map[string]any{"description": after}, decoded)
	require.NoError(t, err)
	require.Equal(t, before, restored.(map[string]any)["description"])
}

func TestShortStringsAreReplaced(t *testing.T) {
	engine := NewEngine(Options{})
	d := engine.Diff(map[string]any{"title": "Pets"}, map[string]any{"title": "Pet Store"})
	require.Equal(t, Modified, d.Fields["title"].Kind)

	encoded, err := d.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"title":["Pets","Pet Store"]}`, string(encoded))
}

func TestCountAddsNestedEntries(t *testing.T) {
	engine := NewEngine(Options{})
	left := mustTree(t, `{"a":1,"b":{"c":1,"d":[1,2,3]},"e":true}`)
	right := mustTree(t, `{"a":2,"b":{"c":1,"d":[1,3,4],"f":1},"g":false}`)

	// a replaced, e deleted, g added, b.f added, b.d drops 2 and gains 4
	require.Equal(t, 6, Count(engine.Diff(left, right)))
}

func TestUnmarshalRejectsForeignShapes(t *testing.T) {
	for name, raw := range map[string]string{
		"long leaf":         `{"a":[1,2,3,4]}`,
		"unknown marker":    `{"a":[1,0,7]}`,
		"bad array key":     `{"_t":"a","x":[1]}`,
		"move outside list": `{"a":["",1,3]}`,
		"scalar root":       `42`,
		"removal as added":  `{"_t":"a","_1":[5]}`,
		"text not string":   `{"a":[5,0,2]}`,
		"container marker":  `{"_t":"b"}`,
	} {
		t.Run(name, func(t *testing.T) {
			var decoded Delta
			err := decoded.UnmarshalJSON([]byte(raw))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrCorruptDelta), "got %v", err)
		})
	}
}

func TestPatchRejectsMismatchedTree(t *testing.T) {
	engine := NewEngine(Options{})
	d := engine.Diff(mustTree(t, `{"a":{"b":1}}`), mustTree(t, `{"a":{"b":2}}`))

	_, err := engine.Patch(mustTree(t, `["not","an","object"]`), d)
	require.ErrorIs(t, err, ErrCorruptDelta)

	arrayDelta := &Delta{Kind: Array, Removed: map[int]*Delta{7: {Kind: Deleted, Old: 1}}}
	_, err = engine.Patch(mustTree(t, `[1,2]`), arrayDelta)
	require.ErrorIs(t, err, ErrCorruptDelta)

	_, err = engine.Patch("some text", &Delta{Kind: Text, Text: "not a patch"})
	require.ErrorIs(t, err, ErrCorruptDelta)
}
