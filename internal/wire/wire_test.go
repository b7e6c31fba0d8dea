package wire

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cmuxctl/internal/api"
)

func TestReaderSplitsLines(t *testing.T) {
	r := NewReader(strings.NewReader("ping\r\n{\"id\":1}\nlast"), 0)

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "last", string(line))

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsOversizedLineAndRecovers(t *testing.T) {
	input := strings.Repeat("x", 100) + "\nping\n"
	r := NewReader(strings.NewReader(input), 16)

	_, err := r.ReadLine()
	require.True(t, errors.Is(err, ErrLineTooLarge), "got %v", err)

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(line))
}

func TestIsV2(t *testing.T) {
	assert.True(t, IsV2([]byte(`{"method":"system.ping"}`)))
	assert.True(t, IsV2([]byte(`  {"method":"system.ping"}`)))
	assert.False(t, IsV2([]byte("ping")))
	assert.False(t, IsV2(nil))
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":7,"method":" workspace.list ","params":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "workspace.list", req.Method)
	assert.JSONEq(t, `7`, string(req.ID))

	req, err = DecodeRequest([]byte(`{"id":"abc","params":{}}`))
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.JSONEq(t, `"abc"`, string(req.ID))

	_, err = DecodeRequest([]byte(`{"id":1,"method":"x","params":[1]}`))
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = DecodeRequest([]byte(`{"id":{},"method":"x"}`))
	require.ErrorIs(t, err, ErrInvalidRequest)

	req, err = DecodeRequest([]byte(`{"id":3,"method":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, req.ID)
}

func TestEncodeResponseIsSingleLine(t *testing.T) {
	body, err := EncodeResponse(api.Success(json.RawMessage(`1`), map[string]any{"text": "a\nb"}))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body), "\n"))
	assert.True(t, strings.HasSuffix(string(body), "\n"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, true, decoded["ok"])
}

func TestEncodeResponseNullID(t *testing.T) {
	body, err := EncodeResponse(api.Failure(nil, "parse_error", "bad", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":null,"ok":false,"error":{"code":"parse_error","message":"bad"}}`, string(body))
}

func TestParseCommand(t *testing.T) {
	cmd := ParseCommand("  SEND_SURFACE surface:2 echo hi\\n ")
	assert.Equal(t, "send_surface", cmd.Name)
	assert.Equal(t, []string{"surface:2", "echo", `hi\n`}, cmd.Args)
	assert.Equal(t, `surface:2 echo hi\n`, cmd.Rest)

	empty := ParseCommand("ping")
	assert.Equal(t, "ping", empty.Name)
	assert.Empty(t, empty.Args)
}

func TestUnescape(t *testing.T) {
	assert.Equal(t, "a\nb\rc\td\\e", Unescape(`a\nb\rc\td\\e`))
	assert.Equal(t, `keep\x`, Unescape(`keep\x`))
	assert.Equal(t, `trail\`, Unescape(`trail\`))
}

func TestV1Lines(t *testing.T) {
	assert.Equal(t, "OK\n", string(V1OK("")))
	assert.Equal(t, "OK a\\nb\n", string(V1OK("a\nb")))
	assert.Equal(t, "ERROR: boom\n", string(V1Error("boom")))
	assert.Equal(t, "PONG\n", string(V1Raw("PONG")))
}
