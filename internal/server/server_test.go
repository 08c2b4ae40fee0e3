package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedisConfig_Validate(t *testing.T) {
	tests := map[string]struct {
		addrs   []string
		wantErr bool
	}{
		"single node":     {addrs: []string{"localhost:6379"}},
		"no address":      {wantErr: true},
		"cluster address": {addrs: []string{"redis-1:6379", "redis-2:6379"}, wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := RedisConfig{Addrs: tt.addrs}.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	assert.NoError(t, c.Redis.Store.validate())
	assert.NoError(t, c.Redis.Pubsub.validate())
	assert.Equal(t, "mathrush:", c.Redis.Store.Prefix)
}
