package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingDropsOldest(t *testing.T) {
	r := newRing[int](3)
	r.push(1, 2)
	r.push(3, 4, 5)
	assert.Equal(t, []int{3, 4, 5}, r.list())
	assert.Equal(t, 2, r.dropped)

	head, ok := r.pop()
	require.True(t, ok)
	assert.Equal(t, 3, head)
	assert.Equal(t, 2, r.len())

	r.clear()
	_, ok = r.pop()
	assert.False(t, ok)
	assert.NotNil(t, r.list())
}

func TestParseElementRef(t *testing.T) {
	cases := map[string]int{"@e1": 1, "@e42": 42, "7": 7}
	for raw, want := range cases {
		n, ok := parseElementRef(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, n, raw)
	}
	for _, raw := range []string{"@e", "@e0", "0", "#login", "@ex1", "e1", "1a"} {
		_, ok := parseElementRef(raw)
		assert.False(t, ok, raw)
	}
}

func TestBuildScriptCarriesHeader(t *testing.T) {
	script, err := buildScript(opQuery, "#frame", map[string]any{"selector": "#a"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(script, "(async () => {\n"+ArgsPrefix))
	assert.Contains(t, script, `"op":"query"`)
	assert.Contains(t, script, `"frame":"#frame"`)

	_, err = buildScript("nope", "", nil)
	assert.Error(t, err)
}
