package persona

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDefaultAddsAndMovesToFront(t *testing.T) {
	got := EnsureDefault([]Persona{{ID: "a"}, {ID: "b"}})
	require.Len(t, got, 3)
	assert.Equal(t, DefaultID, got[0].ID)

	custom := Persona{ID: DefaultID, Name: "Mine"}
	got = EnsureDefault([]Persona{{ID: "a"}, custom, {ID: "b"}, {ID: DefaultID, Name: "dup"}})
	assert.Equal(t, []Persona{custom, {ID: "a"}, {ID: "b"}}, got)
}

func TestEnsureDefaultIsIdempotent(t *testing.T) {
	once := EnsureDefault([]Persona{{ID: "a"}})
	assert.Equal(t, once, EnsureDefault(once))
}

func TestImageKeyConvention(t *testing.T) {
	key := ImageKey("abc")
	assert.Equal(t, "persona_img_abc", key)

	id, ok := ParseImageKey(key)
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = ParseImageKey("persona_img_")
	assert.False(t, ok)
	_, ok = ParseImageKey("avatar.png")
	assert.False(t, ok)

	assert.Equal(t, "imp_123_avatar.png", ImportKey("123", "avatar.png"))
}

func TestMarshalWritesNullImage(t *testing.T) {
	data, err := json.Marshal(Persona{ID: "a", Name: "A"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a","name":"A","prefix":"","system":"","summary_prompt":"","image":null}`, string(data))

	var back Persona
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Empty(t, back.Image)
}

func TestResolveFallsBackToFirst(t *testing.T) {
	list := EnsureDefault([]Persona{{ID: "a"}})
	p, ok := Resolve(list, "a")
	assert.True(t, ok)
	assert.Equal(t, "a", p.ID)

	p, ok = Resolve(list, "missing")
	assert.False(t, ok)
	assert.Equal(t, DefaultID, p.ID)
}
