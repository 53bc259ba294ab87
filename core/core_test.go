package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("append: %w", NotFound("conversation", "c1"))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
	assert.Equal(t, "not_found conversation c1", errors.Unwrap(err).Error())

	up := UpstreamUnavailable("embedder", errors.New("connection refused"))
	assert.True(t, IsUpstreamUnavailable(up))
	assert.Contains(t, up.Error(), "connection refused")

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestScopeRequiresSpace(t *testing.T) {
	_, err := NewScope("acme", " ")
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))

	s := MustScope("acme", "s1")
	assert.True(t, s.Owns("acme", "s1"))
	assert.False(t, s.Owns("", "s1"))
	assert.Equal(t, "acme/s1", s.String())
}

func TestPayloadTaggedUnion(t *testing.T) {
	p := FactPayload(FactMeta{Category: "suburb", Attributes: map[string]string{"state": "NSW"}})
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"fact","value":{"category":"suburb","attributes":{"state":"NSW"}}}`, string(b))

	var got Payload
	require.NoError(t, json.Unmarshal(b, &got))
	m, ok := got.Fact()
	require.True(t, ok)
	assert.Equal(t, "NSW", m.Attributes["state"])
	_, ok = got.Context()
	assert.False(t, ok)

	raw, err := JSONPayload(map[string]any{"bedrooms": 3})
	require.NoError(t, err)
	var decoded struct {
		Bedrooms int `json:"bedrooms"`
	}
	require.NoError(t, raw.Decode(&decoded))
	assert.Equal(t, 3, decoded.Bedrooms)

	empty, err := EncodePayload(Payload{})
	require.NoError(t, err)
	assert.Nil(t, empty)
}
