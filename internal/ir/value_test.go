package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}
	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
}

func TestObjectSortedKeysUTF16Order(t *testing.T) {
	// U+FF21 sorts before U+1F600 in UTF-8 byte order but after it in UTF-16,
	// where the emoji encodes as the surrogate pair 0xD83D 0xDE00.
	obj := Object{
		"\uFF21":     Int(1),
		"\U0001F600": Int(2),
		"A":          Int(3),
	}
	assert.Equal(t, []string{"A", "\U0001F600", "\uFF21"}, obj.SortedKeys())
}

func TestObjectJSONKeepsNull(t *testing.T) {
	patch := Object{"due_date": Null{}, "title": String("x")}

	data, err := json.Marshal(patch)
	require.NoError(t, err)
	assert.Equal(t, `{"due_date":null,"title":"x"}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, patch, back)
}

func TestUnmarshalRejectsFractions(t *testing.T) {
	tests := []string{`{"n":1.5}`, `{"n":1e3}`, `[0.1]`}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := UnmarshalValue([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalNested(t *testing.T) {
	v, err := UnmarshalValue([]byte(`{"a":[1,"two",true,null],"b":{"c":-7}}`))
	require.NoError(t, err)

	assert.Equal(t, Object{
		"a": Array{Int(1), String("two"), Bool(true), Null{}},
		"b": Object{"c": Int(-7)},
	}, v)
}

func TestFromAnyYAML(t *testing.T) {
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal([]byte("title: ship\npriority: 2\nassignees: [ana, bo]\ndue_date: null\n"), &raw))

	obj, err := ObjectFromAny(raw)
	require.NoError(t, err)
	assert.Equal(t, Object{
		"title":     String("ship"),
		"priority":  Int(2),
		"assignees": Strings("ana", "bo"),
		"due_date":  Null{},
	}, obj)
}

func TestToAnyRoundTrip(t *testing.T) {
	obj := Object{"a": Array{Int(1), Bool(false)}, "b": String("x"), "c": Null{}}

	back, err := FromAny(ToAny(obj))
	require.NoError(t, err)
	assert.Equal(t, obj, back)
}

func TestCloneIsDeep(t *testing.T) {
	orig := Object{"tags": Strings("a"), "meta": Object{"k": Int(1)}}
	cp := orig.Clone()

	cp["tags"].(Array)[0] = String("changed")
	cp["meta"].(Object)["k"] = Int(2)

	assert.Equal(t, String("a"), orig["tags"].(Array)[0])
	assert.Equal(t, Int(1), orig["meta"].(Object)["k"])
}
