package model

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/validation"
	"github.com/rendis/procflow/pkg/schema"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// DefaultPattern matches model documents below a models directory.
const DefaultPattern = "**/*.{yaml,yml}"

// Loader reads model documents, validates them and links the process graph.
type Loader struct {
	validator *validation.ModelValidator
	logger    *slog.Logger
}

// NewLoader creates a Loader. A nil validator only links the model.
func NewLoader(v *validation.ModelValidator, logger *slog.Logger) *Loader {
	return &Loader{validator: v, logger: logging.OrNop(logger)}
}

// Parse decodes one model document. source names the document in errors and
// in the model's Source field.
func (l *Loader) Parse(data []byte, source string) (*schema.Model, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("%s: invalid yaml", source)).WithCause(err)
	}

	result := &schema.ValidationResult{}
	if l.validator != nil {
		result = l.validator.ValidateDocument(doc)
	}
	result.Source = source
	if !result.Valid() {
		return nil, result.ToError()
	}

	var m schema.Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("%s: decode model", source)).WithCause(err)
	}
	m.Source = source
	m.Fingerprint = Fingerprint(data)

	if l.validator != nil {
		result.Merge(l.validator.Validate(&m))
	} else {
		result.Merge(schema.Link(&m))
	}
	if !result.Valid() {
		return nil, result.ToError()
	}
	for _, w := range result.Warnings {
		l.logger.Warn("model warning", "source", source, "path", w.Path, "element", w.Element, "code", w.Code, "message", w.Message)
	}
	return &m, nil
}

// LoadFile reads and parses a single model file.
func (l *Loader) LoadFile(path string) (*schema.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	return l.Parse(data, path)
}

// LoadDir loads every file below dir matching pattern (doublestar syntax;
// empty means DefaultPattern), in lexical order.
func (l *Loader) LoadDir(dir, pattern string) ([]*schema.Model, error) {
	paths, err := l.Discover(dir, pattern)
	if err != nil {
		return nil, err
	}
	models := make([]*schema.Model, 0, len(paths))
	for _, p := range paths {
		m, err := l.LoadFile(p)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// Discover lists the model files below dir matching pattern.
func (l *Loader) Discover(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s in %s: %w", pattern, dir, err)
	}
	sort.Strings(matches)
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = filepath.Join(dir, filepath.FromSlash(m))
	}
	return paths, nil
}

// Sync loads dir and registers the models whose fingerprint changed. It
// returns the names of the models (re)registered.
func (l *Loader) Sync(reg *Registry, dir, pattern string) ([]string, error) {
	models, err := l.LoadDir(dir, pattern)
	if err != nil {
		return nil, err
	}
	var changed []*schema.Model
	var names []string
	for _, m := range models {
		if reg.Fingerprint(m.Name) == m.Fingerprint {
			continue
		}
		changed = append(changed, m)
		names = append(names, m.Name)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := reg.Register(changed...); err != nil {
		return nil, err
	}
	l.logger.Info("models registered", "models", names, "dir", dir)
	return names, nil
}

// Fingerprint returns the hex blake3 hash of a model document.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
