package project

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/concierge/internal/prompt"
	"github.com/antoniostano/concierge/internal/retrieval"
)

func TestLoadDefaultBundle(t *testing.T) {
	reg, err := Load(context.Background(), "", retrieval.Opener{})
	require.NoError(t, err)

	assert.Equal(t, []Summary{
		{ID: "firefly-homes", DisplayName: "Firefly Homes"},
		{ID: "krupal-habitat", DisplayName: "Krupal Habitat"},
		{ID: "ramvan-villas", DisplayName: "Ramvan Villas"},
	}, reg.List())

	cfg, err := reg.Resolve("Ramvan-Villas ")
	require.NoError(t, err)
	assert.Equal(t, "Ramvan Villas", cfg.DisplayName)
	assert.Equal(t, "Hi! I'm your assistant for Ramvan Villas. Ask me anything!", cfg.Greeting)
	assert.Equal(t, 5, cfg.TopK)

	ref, ok := cfg.Media.Lookup("Living Room")
	require.True(t, ok)
	assert.Equal(t, "images/ramvan/livingroom.jpeg", ref)

	passages, err := retrieval.Search(context.Background(), cfg.KnowledgeBase, "what is the plot size in sq yards", cfg.TopK)
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	assert.Contains(t, passages[0], "250 sq yards")
}

func TestDefaultTemplatesRender(t *testing.T) {
	reg, err := Load(context.Background(), "", retrieval.Opener{})
	require.NoError(t, err)

	for _, s := range reg.List() {
		cfg, err := reg.Resolve(s.ID)
		require.NoError(t, err)
		out, err := prompt.Render(cfg.Template, prompt.Data{
			DisplayName:   cfg.DisplayName,
			Context:       "ctx-marker",
			Query:         "query-marker",
			MediaKeywords: cfg.Media.Keywords(),
		})
		require.NoError(t, err, s.ID)
		assert.Contains(t, out, cfg.DisplayName)
		assert.Contains(t, out, "ctx-marker")
		assert.Contains(t, out, "query-marker")
		assert.Contains(t, out, "IMAGE: <keyword>")
		for _, kw := range cfg.Media.Keywords() {
			assert.Contains(t, out, kw)
		}
	}
}

func TestResolveUnknownProject(t *testing.T) {
	reg, err := NewRegistry(&Config{ID: "a", DisplayName: "A", Template: prompt.MustParse("a", prompt.Default)})
	require.NoError(t, err)

	_, err = reg.Resolve("b")
	require.ErrorIs(t, err, ErrUnknownProject)
	assert.Contains(t, err.Error(), `"b"`)
}

func TestNewRegistryValidation(t *testing.T) {
	tpl := prompt.MustParse("t", prompt.Default)

	_, err := NewRegistry(&Config{ID: " ", DisplayName: "x", Template: tpl})
	assert.Error(t, err)

	_, err = NewRegistry(&Config{ID: "a", Template: tpl})
	assert.Error(t, err)

	_, err = NewRegistry(&Config{ID: "a", DisplayName: "A"})
	assert.Error(t, err)

	_, err = NewRegistry(
		&Config{ID: "a", DisplayName: "A", Template: tpl},
		&Config{ID: "A", DisplayName: "Also A", Template: tpl},
	)
	assert.Error(t, err)

	_, err = NewRegistry(&Config{ID: "a", DisplayName: "A", Template: tpl, TopK: 21})
	assert.Error(t, err)

	reg, err := NewRegistry(&Config{ID: "a", DisplayName: "A", Template: tpl, Greeting: "Namaste!"})
	require.NoError(t, err)
	cfg, _ := reg.Resolve("a")
	assert.Equal(t, "Namaste!", cfg.Greeting)
	assert.IsType(t, retrieval.EmptyIndex{}, cfg.KnowledgeBase)
}

func TestLoadBundleFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kb.json"), []byte(`[{"text":"Clubhouse opens in 2026."}]`), 0o600))
	bundle := `
projects:
  - id: lakeside
    display_name: Lakeside Residency
    top_k: 3
    knowledge_base: {backend: file, path: kb.json}
    media: {Clubhouse: r1}
`
	path := filepath.Join(dir, "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bundle), 0o600))

	reg, err := Load(context.Background(), path, retrieval.Opener{})
	require.NoError(t, err)
	cfg, err := reg.Resolve("lakeside")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.TopK)
	assert.Equal(t, "lakeside", cfg.Template.Name())
	ref, ok := cfg.Media.Lookup("clubhouse")
	require.True(t, ok)
	assert.Equal(t, "r1", ref)
}

func TestLoadFailsOnBrokenProject(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing kb":     "projects:\n  - id: x\n    display_name: X\n    knowledge_base: {backend: file, path: nope.json}\n",
		"bad template":   "projects:\n  - id: x\n    display_name: X\n    template: \"{{ .Query \"\n",
		"dup media":      "projects:\n  - id: x\n    display_name: X\n    media: {Bedroom: a, bedroom: b}\n",
		"unknown field":  "projects:\n  - id: x\n    display_name: X\n    colour: blue\n",
		"no projects":    "projects: []\n",
		"bad kb backend": "projects:\n  - id: x\n    display_name: X\n    knowledge_base: {backend: faiss}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(context.Background(), path, retrieval.Opener{})
			assert.Error(t, err)
		})
	}
}

func TestResolveIsSafeForConcurrentUse(t *testing.T) {
	reg, err := Load(context.Background(), "", retrieval.Opener{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range reg.List() {
				_, err := reg.Resolve(s.ID)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}
