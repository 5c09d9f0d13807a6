package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/dagengine"
	"gopkg.in/yaml.v3"
)

// GraphFile is the on-disk form of a graph definition, optionally bundled with a
// default execution context.
type GraphFile struct {
	Graph   dagengine.GraphDefinition  `json:"graph" yaml:"graph"`
	Context dagengine.ExecutionContext `json:"context" yaml:"context"`
}

// GraphFileLoader decodes a GraphFile from a stream in one format.
type GraphFileLoader interface {
	Decode(r io.Reader) (*GraphFile, error)
	Format() string // e.g., "yaml", "json"
}

var (
	loaderMu       sync.RWMutex
	loaderRegistry = make(map[string]GraphFileLoader)
)

// RegisterGraphFileLoader registers a loader for its format, replacing any previous one.
func RegisterGraphFileLoader(loader GraphFileLoader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderRegistry[loader.Format()] = loader
}

// GetGraphFileLoader retrieves a loader by format name (e.g., "yaml").
func GetGraphFileLoader(format string) (GraphFileLoader, bool) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader implements GraphFileLoader for YAML documents.
type YAMLLoader struct{}

func (YAMLLoader) Decode(r io.Reader) (*GraphFile, error) {
	var gf GraphFile
	if err := yaml.NewDecoder(r).Decode(&gf); err != nil {
		return nil, fmt.Errorf("failed to parse graph YAML: %w", err)
	}
	return &gf, nil
}

func (YAMLLoader) Format() string { return "yaml" }

// JSONLoader implements GraphFileLoader for JSON documents.
type JSONLoader struct{}

func (JSONLoader) Decode(r io.Reader) (*GraphFile, error) {
	var gf GraphFile
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&gf); err != nil {
		return nil, fmt.Errorf("failed to parse graph JSON: %w", err)
	}
	return &gf, nil
}

func (JSONLoader) Format() string { return "json" }

func init() {
	RegisterGraphFileLoader(YAMLLoader{})
	RegisterGraphFileLoader(JSONLoader{})
}

// FormatForPath maps a file extension to a loader format.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// LoadGraphFile opens path and decodes it with the loader matching its extension.
func LoadGraphFile(path string) (*GraphFile, error) {
	format := FormatForPath(path)
	loader, ok := GetGraphFileLoader(format)
	if !ok {
		return nil, fmt.Errorf("no graph loader registered for format %q", format)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph file: %w", err)
	}
	defer f.Close()

	return loader.Decode(f)
}

// LoadAndValidate loads a graph file and runs the validator over it. Validation
// failures are returned as dagengine.ValidationErrors.
func LoadAndValidate(path string, v dagengine.Validator) (*GraphFile, error) {
	gf, err := LoadGraphFile(path)
	if err != nil {
		return nil, err
	}
	if errs := v.Validate(&gf.Graph); len(errs) > 0 {
		return gf, errs
	}
	return gf, nil
}
