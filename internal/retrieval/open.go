package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	BackendFile     = "file"
	BackendPGVector = "pgvector"
	BackendEmpty    = "empty"
)

// Spec names a project's knowledge base.
type Spec struct {
	Backend    string `yaml:"backend" json:"backend"`
	Path       string `yaml:"path" json:"path,omitempty"`
	Collection string `yaml:"collection" json:"collection,omitempty"`
}

// Opener turns knowledge-base specs into live indexes. Pool may be nil when no
// project uses the pgvector backend. Relative file paths resolve inside FS when
// it is set, otherwise against BaseDir.
type Opener struct {
	Embedder Embedder
	Pool     *pgxpool.Pool
	BaseDir  string
	FS       fs.FS
}

func (o Opener) Open(ctx context.Context, spec Spec) (Index, error) {
	backend := strings.ToLower(strings.TrimSpace(spec.Backend))
	if backend == "" {
		if strings.TrimSpace(spec.Path) != "" {
			backend = BackendFile
		} else {
			backend = BackendEmpty
		}
	}

	switch backend {
	case BackendEmpty:
		return EmptyIndex{}, nil
	case BackendFile:
		path := strings.TrimSpace(spec.Path)
		if path == "" {
			return nil, fmt.Errorf("file backend requires a path")
		}
		if o.FS != nil && !filepath.IsAbs(path) {
			return LoadFileIndexFS(o.FS, filepath.ToSlash(path), o.Embedder)
		}
		if !filepath.IsAbs(path) && o.BaseDir != "" {
			path = filepath.Join(o.BaseDir, path)
		}
		return LoadFileIndex(path, o.Embedder)
	case BackendPGVector:
		return OpenPostgresIndex(ctx, o.Pool, spec.Collection, o.Embedder)
	default:
		return nil, fmt.Errorf("unsupported knowledge base backend %q", spec.Backend)
	}
}
