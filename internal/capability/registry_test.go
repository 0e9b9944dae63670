package capability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/fault"
)

func snapshotManifest() []Descriptor {
	return []Descriptor{
		{
			ID:                 "camera:snapshot",
			Name:               "Camera snapshot",
			RequiresConnection: true,
			Operations: []Operation{
				{
					Name: "get",
					ParamSchema: json.RawMessage(`{
						"type": "object",
						"required": ["cameraId"],
						"properties": {
							"cameraId": {"type": "string"},
							"width":    {"type": "integer", "minimum": 1}
						},
						"additionalProperties": false
					}`),
				},
			},
		},
		{
			ID:         "notify:send",
			Name:       "Send notification",
			Operations: []Operation{{Name: "send"}},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(snapshotManifest()))

	d, err := r.Lookup("camera:snapshot")
	require.NoError(t, err)
	assert.True(t, d.RequiresConnection)
	_, ok := d.Operation("get")
	assert.True(t, ok)

	_, err = r.Lookup("camera:ptz")
	require.Error(t, err)
	assert.Equal(t, fault.KindUnknownCapability, fault.KindOf(err))
}

func TestValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(snapshotManifest()))

	tests := []struct {
		name   string
		capID  string
		op     string
		params map[string]any
		kind   fault.Kind
	}{
		{"valid", "camera:snapshot", "get", map[string]any{"cameraId": "c1", "width": 640}, fault.KindUnknown},
		{"missing required", "camera:snapshot", "get", map[string]any{"width": 640}, fault.KindParam},
		{"wrong type", "camera:snapshot", "get", map[string]any{"cameraId": 7}, fault.KindParam},
		{"extra field", "camera:snapshot", "get", map[string]any{"cameraId": "c1", "zoom": 2}, fault.KindParam},
		{"unknown capability", "camera:ptz", "move", nil, fault.KindUnknownCapability},
		{"unknown operation", "camera:snapshot", "delete", nil, fault.KindUnknownOperation},
		{"schemaless operation", "notify:send", "send", map[string]any{"anything": "goes"}, fault.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.capID, tt.op, tt.params)
			if tt.kind == fault.KindUnknown {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.kind, fault.KindOf(err))
			}
		})
	}
}

func TestRegisterRejectsBadManifest(t *testing.T) {
	r := NewRegistry()

	err := r.Register([]Descriptor{{ID: ""}})
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	err = r.Register([]Descriptor{{
		ID:         "broken:cap",
		Operations: []Operation{{Name: "go", ParamSchema: json.RawMessage(`{"type": 12}`)}},
	}})
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	require.NoError(t, r.Register(snapshotManifest()))
	err = r.Register(snapshotManifest())
	require.Error(t, err, "duplicate registration")
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(snapshotManifest()))
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "camera:snapshot", list[0].ID)
	assert.Equal(t, "notify:send", list[1].ID)
}
