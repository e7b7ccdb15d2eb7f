package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/workflowengine/internal/codec"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := map[string]any{"klass": "Report", "stopped": false}

	data, err := codec.Encode(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, codec.Decode(data, &out))
	assert.Equal(t, "Report", out["klass"])
	assert.Equal(t, false, out["stopped"])
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"klass":"Report","future_field":"ignored"}`)

	var out struct {
		Klass string `json:"klass"`
	}
	require.NoError(t, codec.Decode(data, &out))
	assert.Equal(t, "Report", out.Klass)
}
