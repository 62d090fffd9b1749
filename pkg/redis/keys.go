package redis

import "strings"

// Namespace is the top-level prefix for every Switchyard key.
const Namespace = "switchyard"

// Key contexts define the second-level prefixes for specific concerns.
const (
	ContextRegistry = "registry" // connection registry documents and indexes
	ContextFanout   = "fanout"   // pub/sub transport channels
	ContextSession  = "session"  // session records for revocation checks
)

// KeyBuilder builds Redis keys according to the naming convention
// {namespace}:{context}:{entity}[:{attribute}].
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a KeyBuilder for the given context under the
// Switchyard namespace.
func NewKeyBuilder(context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: Namespace,
		context:   strings.ToLower(context),
	}
}

// Build creates a Redis key following the naming convention.
func (kb *KeyBuilder) Build(entity string, attribute string) string {
	parts := []string{kb.namespace, kb.context, strings.ToLower(entity)}
	if attribute != "" {
		parts = append(parts, attribute)
	}
	return strings.Join(parts, ":")
}

// BuildPattern creates a key pattern for SCAN/PSUBSCRIBE style matching.
func (kb *KeyBuilder) BuildPattern(entity string) string {
	return kb.Build(entity, "*")
}

// Context returns the builder's context segment.
func (kb *KeyBuilder) Context() string {
	return kb.context
}
