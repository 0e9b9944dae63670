package redisbridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/internal/fault"
)

func TestConfigValidation(t *testing.T) {
	_, err := configFrom(map[string]string{})
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	_, err = configFrom(map[string]string{"addr": "localhost:6379", "db": "x"})
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	cfg, err := configFrom(map[string]string{"addr": "localhost:6379", "db": "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, "aegis.", cfg.ChannelPrefix)
}

func TestCallRejectsUnknownCapability(t *testing.T) {
	s := &session{driver: &Driver{cfg: Config{ChannelPrefix: "aegis."}}}
	_, err := s.Call(context.Background(), "broker:publish", "subscribe", nil)
	assert.Equal(t, fault.KindUnknownCapability, fault.KindOf(err))
}

func TestCallRequiresChannel(t *testing.T) {
	s := &session{driver: &Driver{cfg: Config{ChannelPrefix: "aegis."}}}
	_, err := s.Call(context.Background(), "broker:publish", "publish", map[string]any{
		"payload": map[string]any{"plate": "RKZ-481"},
	})
	assert.Equal(t, fault.KindParam, fault.KindOf(err))
}

func TestOpenClassifiesUnreachableBroker(t *testing.T) {
	factory := NewFactory()
	drv, err := factory(map[string]string{"addr": "127.0.0.1:1"})
	require.NoError(t, err)

	_, err = drv.Open(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindUnreachable, fault.KindOf(err))
}
