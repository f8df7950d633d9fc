package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsacoffee/aura-orchestrator/pkg/config"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

func desc(provider, model string, family models.ProviderFamily, priority int) models.ProviderDescriptor {
	return models.ProviderDescriptor{ProviderID: provider, ModelID: model, Family: family, Priority: priority}
}

func TestGetAndDefaultModel(t *testing.T) {
	old := desc("openai", "gpt-3", models.FamilyLLM, 5)
	old.Removed = true
	r, err := New(
		old,
		desc("openai", "gpt-4o", models.FamilyLLM, 1),
		desc("openai", "gpt-4o-mini", models.FamilyLLM, 2),
	)
	require.NoError(t, err)

	d, ok := r.Get("openai", "gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", d.ModelID)

	d, ok = r.Get("openai", "")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", d.ModelID)

	_, ok = r.Get("openai", "missing")
	assert.False(t, ok)
	_, ok = r.Get("nobody", "")
	assert.False(t, ok)
}

func TestByFamilyOrdersByPriority(t *testing.T) {
	r, err := New(
		desc("b", "m", models.FamilyLLM, 2),
		desc("tts", "voice", models.FamilyTTS, 0),
		desc("a", "m", models.FamilyLLM, 1),
		desc("c", "m", models.FamilyLLM, 2),
	)
	require.NoError(t, err)

	keys := []string{}
	for _, d := range r.ByFamily(models.FamilyLLM) {
		keys = append(keys, d.Key())
	}
	assert.Equal(t, []string{"a/m", "b/m", "c/m"}, keys)
	assert.Equal(t, []string{"b", "tts", "a", "c"}, r.Providers())
	assert.Equal(t, []string{"b/m", "c/m"}, r.Alternatives(models.FamilyLLM, "a"))
	assert.True(t, r.HasProvider("tts"))
	assert.False(t, r.HasProvider("x"))
}

func TestReloadRejectsInvalidAndKeepsPrevious(t *testing.T) {
	r, err := New(desc("a", "m", models.FamilyLLM, 0))
	require.NoError(t, err)

	err = r.Reload([]models.ProviderDescriptor{desc("a", "m", models.FamilyLLM, 0), desc("a", "m", models.FamilyLLM, 0)})
	assert.Error(t, err)
	err = r.Reload([]models.ProviderDescriptor{desc("a", "m", "music", 0)})
	assert.Error(t, err)

	assert.Len(t, r.List(), 1)

	require.NoError(t, r.Reload([]models.ProviderDescriptor{desc("z", "m", models.FamilyImage, 0)}))
	assert.False(t, r.HasProvider("a"))
	assert.Len(t, r.ByFamily(models.FamilyImage), 1)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{
			ID:     "local",
			Family: "LLM",
			Type:   "offline",
			Models: []config.ModelConfig{
				{ID: "echo", MaxContextTokens: 4096},
				{ID: "old", Removed: true, Replacement: "echo"},
			},
		},
	}
	r, err := FromConfig(cfg)
	require.NoError(t, err)

	d, ok := r.Get("local", "echo")
	require.True(t, ok)
	assert.Equal(t, models.FamilyLLM, d.Family)
	assert.True(t, d.IsOfflineCapable)
	assert.Equal(t, 4096, d.MaxContextTokens)

	d, ok = r.Get("local", "old")
	require.True(t, ok)
	assert.True(t, d.Removed)
	assert.True(t, d.IsDeprecated)
	assert.Equal(t, "echo", d.DeprecationReplacementID)
}

func TestByModel(t *testing.T) {
	r, err := New(
		desc("openai", "gpt-4o", models.FamilyLLM, 1),
		desc("azure", "gpt-4o", models.FamilyLLM, 2),
		desc("anthropic", "claude", models.FamilyLLM, 3),
	)
	require.NoError(t, err)

	got := r.ByModel("gpt-4o")
	require.Len(t, got, 2)
	assert.Equal(t, "openai", got[0].ProviderID)
	assert.Len(t, r.ByModel("claude"), 1)
	assert.Empty(t, r.ByModel("ghost"))
}
