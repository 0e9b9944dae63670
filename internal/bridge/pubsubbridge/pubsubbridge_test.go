package pubsubbridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/fault"
)

func TestConfigValidation(t *testing.T) {
	_, err := configFrom(map[string]string{"topic_id": "aegis-events"})
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	_, err = configFrom(map[string]string{"project_id": "p"})
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	cfg, err := configFrom(map[string]string{
		"project_id":   "p",
		"topic_id":     "aegis-events",
		"create_topic": "true",
	})
	require.NoError(t, err)
	assert.True(t, cfg.CreateTopic)
}

func TestCallRejectsUnknownCapability(t *testing.T) {
	s := &session{driver: &Driver{}}
	_, err := s.Call(context.Background(), "archive:publish", "pull", nil)
	assert.Equal(t, fault.KindUnknownCapability, fault.KindOf(err))
}

func TestManifestExposesPublish(t *testing.T) {
	d := &Driver{}
	manifest := d.Manifest()
	require.Len(t, manifest, 1)
	assert.Equal(t, "archive:publish", manifest[0].ID)
	require.Len(t, manifest[0].Operations, 1)
	assert.Equal(t, "publish", manifest[0].Operations[0].Name)
}
