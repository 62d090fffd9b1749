package realm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return NewController(zap.NewNop())
}

func TestRegisterDuplicate(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("guide", nil))
	err := c.Register("guide", nil)
	assert.ErrorIs(t, err, ErrDuplicateRealm)
}

func TestInitializeUnknown(t *testing.T) {
	c := newTestController(t)
	assert.ErrorIs(t, c.Initialize("ghost"), ErrUnknownRealm)
}

func TestInitializeIdempotent(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("guide", nil))
	require.NoError(t, c.Initialize("guide"))
	assert.NoError(t, c.Initialize("guide"))
}

func TestActivationRequiresActiveDependency(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("A", []string{"B"}))
	require.NoError(t, c.Register("B", nil))
	require.NoError(t, c.Initialize("A"))
	require.NoError(t, c.Initialize("B"))

	err := c.Activate("A")
	var depErr *DependencyNotReadyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "A", depErr.Realm)
	assert.Equal(t, "B", depErr.Dependency)
	assert.False(t, c.IsActive("A"))

	require.NoError(t, c.Activate("B"))
	require.NoError(t, c.Activate("A"))
	assert.True(t, c.IsActive("A"))
}

func TestActivationRequiresInitialize(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("guide", nil))
	assert.Error(t, c.Activate("guide"))
	require.NoError(t, c.Initialize("guide"))
	assert.NoError(t, c.Activate("guide"))
}

func TestSuspendResumeToggle(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("guide", nil))
	require.NoError(t, c.Initialize("guide"))
	require.NoError(t, c.Activate("guide"))

	require.NoError(t, c.Suspend("guide", false))
	assert.False(t, c.IsActive("guide"))
	// Idempotent.
	assert.NoError(t, c.Suspend("guide", false))

	require.NoError(t, c.Resume("guide"))
	assert.True(t, c.IsActive("guide"))
}

func TestSuspendRejectedWithActiveDependents(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("B", nil))
	require.NoError(t, c.Register("A", []string{"B"}))
	require.NoError(t, c.Initialize("B"))
	require.NoError(t, c.Activate("B"))
	require.NoError(t, c.Initialize("A"))
	require.NoError(t, c.Activate("A"))

	err := c.Suspend("B", false)
	var depErr *DependentRealmActiveError
	require.ErrorAs(t, err, &depErr)
	assert.Contains(t, depErr.Dependents, "A")
	assert.True(t, c.IsActive("B"))
}

func TestForceSuspendCascades(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("C", nil))
	require.NoError(t, c.Register("B", []string{"C"}))
	require.NoError(t, c.Register("A", []string{"B"}))
	for _, name := range []string{"C", "B", "A"} {
		require.NoError(t, c.Initialize(name))
		require.NoError(t, c.Activate(name))
	}

	require.NoError(t, c.Suspend("C", true))
	assert.False(t, c.IsActive("C"))
	assert.False(t, c.IsActive("B"))
	assert.False(t, c.IsActive("A"))
}

func TestResumeBlockedBySuspendedDependency(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("B", nil))
	require.NoError(t, c.Register("A", []string{"B"}))
	require.NoError(t, c.Initialize("B"))
	require.NoError(t, c.Activate("B"))
	require.NoError(t, c.Initialize("A"))
	require.NoError(t, c.Activate("A"))
	require.NoError(t, c.Suspend("B", true))

	var depErr *DependencyNotReadyError
	require.ErrorAs(t, c.Resume("A"), &depErr)
	assert.Equal(t, "B", depErr.Dependency)

	require.NoError(t, c.Resume("B"))
	assert.NoError(t, c.Resume("A"))
}

func TestIsActiveUnknownRealm(t *testing.T) {
	c := newTestController(t)
	assert.False(t, c.IsActive("ghost"))
}

func TestSnapshot(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Register("B", nil))
	require.NoError(t, c.Register("A", []string{"B"}))
	require.NoError(t, c.Initialize("B"))
	require.NoError(t, c.Activate("B"))

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	states := make(map[string]string, len(snap))
	for _, r := range snap {
		states[r.Name] = r.State
	}
	assert.Equal(t, "ACTIVE", states["B"])
	assert.Equal(t, "REGISTERED", states["A"])
}
