package catalog

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

//go:embed extensions/*.yaml
var builtinFS embed.FS

// Source lists extension definitions available for loading.
type Source interface {
	ListAvailableExtensions() ([]models.ExtensionDef, error)
}

// FSSource reads every *.yaml file of a directory in a filesystem, sorted by
// file name. Extensions that depend on others must sort after them.
type FSSource struct {
	FS  fs.FS
	Dir string
}

// NewBuiltinSource returns the OCCI Core and Infrastructure extensions.
func NewBuiltinSource() *FSSource {
	return &FSSource{FS: builtinFS, Dir: "extensions"}
}

// NewDirSource reads extension definitions from a directory on disk.
func NewDirSource(dir string) *FSSource {
	return &FSSource{FS: os.DirFS(dir), Dir: "."}
}

// ListAvailableExtensions implements Source.
func (s *FSSource) ListAvailableExtensions() ([]models.ExtensionDef, error) {
	entries, err := fs.ReadDir(s.FS, s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read extension directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := path.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]models.ExtensionDef, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(s.FS, path.Join(s.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		def, err := DecodeExtension(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(name, path.Ext(name))
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// DecodeExtension parses one YAML extension definition. Unknown fields are rejected.
func DecodeExtension(r io.Reader) (models.ExtensionDef, error) {
	var def models.ExtensionDef
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return models.ExtensionDef{}, fmt.Errorf("%w: %v", apperrors.ErrModelLoad, err)
	}
	return def, nil
}

// StaticSource serves definitions held in memory.
type StaticSource []models.ExtensionDef

// ListAvailableExtensions implements Source.
func (s StaticSource) ListAvailableExtensions() ([]models.ExtensionDef, error) {
	return s, nil
}
