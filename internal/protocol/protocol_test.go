package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(CmdBuild, &BuildRequest{Dir: "/src/svc", Platforms: []string{"linux/amd64"}})
	require.NoError(t, err)

	env, payload, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, CmdBuild, env.Command)
	assert.Equal(t, Version, env.Version)

	req, err := DecodePayload[BuildRequest](payload)
	require.NoError(t, err)
	assert.Equal(t, "/src/svc", req.Dir)
	assert.Equal(t, []string{"linux/amd64"}, req.Platforms)
}

func TestEncodeNilPayload(t *testing.T) {
	data, err := Encode(CmdStatus, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "payload")

	_, payload, err := Decode(data)
	require.NoError(t, err)

	res, err := DecodePayload[StatusResult](payload)
	require.NoError(t, err)
	assert.Equal(t, StatusResult{}, *res)
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]string{
		"not json":        "{",
		"wrong version":   `{"version":2,"command":"status"}`,
		"missing command": `{"version":1}`,
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode([]byte(input))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodePayloadMismatch(t *testing.T) {
	_, err := DecodePayload[PruneRequest]([]byte(`{"keep":"many"}`))
	assert.ErrorIs(t, err, ErrProtocol)
}
