package broker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/model"
)

func TestOpen(t *testing.T) {
	base := t.TempDir()

	b, err := Open(model.BrokerConfig{Type: model.BrokerMemory}, base, Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	b, err = Open(model.BrokerConfig{Type: model.BrokerSpool, Spool: model.SpoolConfig{Dir: "spool"}}, base, Options{})
	require.NoError(t, err)
	require.IsType(t, &Spool{}, b)
	assert.Equal(t, filepath.Join(base, "spool"), b.(*Spool).Dir())
	require.NoError(t, b.Close())

	b, err = Open(model.BrokerConfig{Type: model.BrokerRedis, Redis: model.RedisConfig{Addr: "127.0.0.1:1"}}, base, Options{})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, b)
	require.NoError(t, b.Close())

	_, err = Open(model.BrokerConfig{Type: "kafka"}, base, Options{})
	assert.True(t, model.IsConfigError(err))
}
