package geom_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/internal/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVector_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    geom.Vector
		wantErr bool
	}{
		{name: "all components", input: `{"x":1,"y":2.5,"z":-3}`, want: geom.Vector{X: 1, Y: 2.5, Z: -3}},
		{name: "zero values are present", input: `{"x":0,"y":0,"z":0}`, want: geom.Vector{}},
		{name: "missing component", input: `{"x":1,"y":2}`, wantErr: true},
		{name: "string component", input: `{"x":"1","y":2,"z":3}`, wantErr: true},
		{name: "not an object", input: `[1,2,3]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v geom.Vector
			err := json.Unmarshal([]byte(tt.input), &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5.0, geom.Distance(geom.Vector{X: 3, Y: 4}, geom.Vector{}), 1e-9)
	assert.InDelta(t, 0.0, geom.Distance(geom.Vector{X: 1, Y: 1, Z: 1}, geom.Vector{X: 1, Y: 1, Z: 1}), 1e-9)
}
