package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{`"30s"`, 30 * time.Second},
		{`"5m"`, 5 * time.Minute},
		{`"1.5h"`, 90 * time.Minute},
		{`"2d"`, 48 * time.Hour},
		{`"1w"`, 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			require.NoError(t, yaml.Unmarshal([]byte(tt.input), &d))
			assert.Equal(t, tt.expected, d.Std())
		})
	}
}

func TestDuration_UnmarshalYAMLRejectsGarbage(t *testing.T) {
	var d Duration
	assert.Error(t, yaml.Unmarshal([]byte(`"fast"`), &d))
	assert.Error(t, yaml.Unmarshal([]byte(`"-1d"`), &d))
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"45s"`), &d))
	assert.Equal(t, 45*time.Second, d.Std())

	// Bare numbers are seconds.
	require.NoError(t, json.Unmarshal([]byte(`30`), &d))
	assert.Equal(t, 30*time.Second, d.Std())

	out, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))
}
