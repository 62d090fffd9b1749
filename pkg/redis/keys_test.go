package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilderBuild(t *testing.T) {
	kb := NewKeyBuilder(ContextRegistry)

	tests := []struct {
		name      string
		entity    string
		attribute string
		want      string
	}{
		{"entity only", "conn", "", "switchyard:registry:conn"},
		{"entity and attribute", "conn", "abc-123", "switchyard:registry:conn:abc-123"},
		{"entity is lowercased", "Conn", "abc", "switchyard:registry:conn:abc"},
		{"attribute case preserved", "chan", "pillar:Content", "switchyard:registry:chan:pillar:Content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, kb.Build(tt.entity, tt.attribute))
		})
	}
}

func TestKeyBuilderPattern(t *testing.T) {
	kb := NewKeyBuilder(ContextFanout)
	assert.Equal(t, "switchyard:fanout:instance:*", kb.BuildPattern("instance"))
	assert.Equal(t, "fanout", kb.Context())
}
