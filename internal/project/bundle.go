package project

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/antoniostano/concierge/internal/media"
	"github.com/antoniostano/concierge/internal/prompt"
	"github.com/antoniostano/concierge/internal/retrieval"
)

//go:embed defaults
var defaultsFS embed.FS

const defaultBundlePath = "defaults/projects.yaml"

// Bundle is the on-disk description of every project served by one process.
type Bundle struct {
	Projects []ProjectSpec `yaml:"projects"`
}

type ProjectSpec struct {
	ID            string            `yaml:"id"`
	DisplayName   string            `yaml:"display_name"`
	Greeting      string            `yaml:"greeting"`
	TopK          int               `yaml:"top_k"`
	KnowledgeBase retrieval.Spec    `yaml:"knowledge_base"`
	Media         map[string]string `yaml:"media"`
	Template      string            `yaml:"template"`
}

func DecodeBundle(r io.Reader) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return Bundle{}, errors.New("project bundle is empty")
		}
		return Bundle{}, fmt.Errorf("decode project bundle: %w", err)
	}
	if len(b.Projects) == 0 {
		return Bundle{}, errors.New("project bundle declares no projects")
	}
	return b, nil
}

// Load builds a registry from the bundle at path, or from the compiled-in
// bundle when path is empty. Knowledge bases are opened concurrently; any
// failure aborts the load.
func Load(ctx context.Context, path string, opener retrieval.Opener) (*Registry, error) {
	var (
		raw []byte
		err error
	)
	if path == "" {
		raw, err = defaultsFS.ReadFile(defaultBundlePath)
		if err != nil {
			return nil, fmt.Errorf("read default bundle: %w", err)
		}
		sub, err := fs.Sub(defaultsFS, "defaults")
		if err != nil {
			return nil, err
		}
		opener.FS = sub
	} else {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read project bundle: %w", err)
		}
		if opener.BaseDir == "" {
			opener.BaseDir = filepath.Dir(path)
		}
	}

	bundle, err := DecodeBundle(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return Build(ctx, bundle, opener)
}

func Build(ctx context.Context, bundle Bundle, opener retrieval.Opener) (*Registry, error) {
	configs := make([]*Config, len(bundle.Projects))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range bundle.Projects {
		g.Go(func() error {
			cfg, err := buildConfig(gctx, spec, opener)
			if err != nil {
				return fmt.Errorf("project %s: %w", spec.ID, err)
			}
			configs[i] = cfg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	reg, err := NewRegistry(configs...)
	if err != nil {
		return nil, err
	}
	for _, s := range reg.List() {
		cfg, _ := reg.Resolve(s.ID)
		log.Info().
			Str("project_id", s.ID).
			Str("display_name", s.DisplayName).
			Int("media_keywords", cfg.Media.Len()).
			Int("top_k", cfg.TopK).
			Msg("project loaded")
	}
	return reg, nil
}

func buildConfig(ctx context.Context, spec ProjectSpec, opener retrieval.Opener) (*Config, error) {
	m, err := media.NewMap(spec.Media)
	if err != nil {
		return nil, err
	}
	text := spec.Template
	if text == "" {
		text = prompt.Default
	}
	tpl, err := prompt.Parse(spec.ID, text)
	if err != nil {
		return nil, err
	}
	idx, err := opener.Open(ctx, spec.KnowledgeBase)
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}
	return &Config{
		ID:            spec.ID,
		DisplayName:   spec.DisplayName,
		KnowledgeBase: idx,
		Template:      tpl,
		Media:         m,
		Greeting:      spec.Greeting,
		TopK:          spec.TopK,
	}, nil
}
