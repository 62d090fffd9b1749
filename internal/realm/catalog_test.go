package realm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realms.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, `{
		"realms": [
			{"name": "guide", "dependencies": []},
			{"name": "pillar", "dependencies": ["guide"]}
		]
	}`)

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, cat.Realms, 2)
	assert.Equal(t, "guide", cat.Realms[0].Name)
}

func TestLoadCatalogRejectsUndeclaredDependency(t *testing.T) {
	path := writeCatalog(t, `{
		"realms": [{"name": "pillar", "dependencies": ["ghost"]}]
	}`)

	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared")
}

func TestLoadCatalogRejectsCycle(t *testing.T) {
	path := writeCatalog(t, `{
		"realms": [
			{"name": "a", "dependencies": ["b"]},
			{"name": "b", "dependencies": ["a"]}
		]
	}`)

	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestLoadCatalogRejectsDuplicate(t *testing.T) {
	path := writeCatalog(t, `{
		"realms": [
			{"name": "guide", "dependencies": []},
			{"name": "guide", "dependencies": []}
		]
	}`)

	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestTopoOrder(t *testing.T) {
	cat := &Catalog{Realms: []CatalogEntry{
		{Name: "pillar", Dependencies: []string{"guide", "registry"}},
		{Name: "guide", Dependencies: []string{"registry"}},
		{Name: "registry"},
	}}

	order, err := cat.topoOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["registry"], pos["guide"])
	assert.Less(t, pos["guide"], pos["pillar"])
}

func TestBootActivatesInDependencyOrder(t *testing.T) {
	cat := &Catalog{Realms: []CatalogEntry{
		{Name: "pillar", Dependencies: []string{"guide"}},
		{Name: "guide"},
	}}

	ctrl := NewController(zap.NewNop())
	err := Boot(context.Background(), ctrl, cat, BootOptions{
		Timeout:         5 * time.Second,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, ctrl.IsActive("guide"))
	assert.True(t, ctrl.IsActive("pillar"))
}

func TestBootReportsUnreadyRealm(t *testing.T) {
	cat := &Catalog{Realms: []CatalogEntry{{Name: "guide"}}}

	ctrl := NewController(zap.NewNop())
	// Pre-registering the realm makes Boot's Register call fail, which is
	// reported rather than hung.
	require.NoError(t, ctrl.Register("guide", nil))

	err := Boot(context.Background(), ctrl, cat, BootOptions{
		Timeout:         time.Second,
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
	}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guide")
}
