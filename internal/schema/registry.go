// Package schema resolves and caches compiled JSON-Schema validators for the
// event envelope and for payloads keyed by "events/<domain>/<action>-v<N>".
package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrSchemaNotFound reports that no payload schema is registered for a key.
var ErrSchemaNotFound = errors.New("schema not found")

// FieldError is one failing JSON path with what the schema expected.
type FieldError struct {
	Path        string
	Description string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Description)
}

// Registry loads payload schemas from a directory tree and keeps a compiled
// validator per schema key. Loaders may dereference $ref relative to the
// schema file. The registry is safe for concurrent use.
type Registry struct {
	dir string

	mu       sync.RWMutex
	compiled map[string]*gojsonschema.Schema

	envelope *gojsonschema.Schema
}

// NewRegistry compiles the envelope schema and prepares the payload loader
// rooted at dir. dir may be empty when only envelope validation is wanted.
func NewRegistry(dir string) (*Registry, error) {
	env, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Registry{
		dir:      dir,
		compiled: make(map[string]*gojsonschema.Schema),
		envelope: env,
	}, nil
}

// ValidateEnvelope checks raw message bytes against the fixed envelope schema.
func (r *Registry) ValidateEnvelope(raw []byte) ([]FieldError, error) {
	return validate(r.envelope, raw)
}

// ValidatePayload checks payload bytes against the schema registered for key.
// A missing schema returns ErrSchemaNotFound so the caller can decide whether
// unregistered events are acceptable.
func (r *Registry) ValidatePayload(key string, payload []byte) ([]FieldError, error) {
	s, err := r.schemaFor(key)
	if err != nil {
		return nil, err
	}
	return validate(s, payload)
}

// Has reports whether a payload schema exists for key without compiling it.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	_, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok {
		return true
	}
	if r.dir == "" {
		return false
	}
	_, err := os.Stat(r.path(key))
	return err == nil
}

func (r *Registry) schemaFor(key string) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	s, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	if r.dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, key)
	}

	path := r.path(key)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, key)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path %s: %w", path, err)
	}
	// A reference loader keeps $ref resolution relative to the schema file,
	// and no file handle is held after compilation.
	loader := gojsonschema.NewReferenceLoader("file://" + filepath.ToSlash(abs))
	s, err = gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", key, err)
	}

	r.mu.Lock()
	r.compiled[key] = s
	r.mu.Unlock()
	return s, nil
}

// path maps "events/orders/created-v1" to "<dir>/events/orders/created-v1.json".
func (r *Registry) path(key string) string {
	clean := filepath.Clean("/" + key) // forbid traversal out of dir
	return filepath.Join(r.dir, strings.TrimPrefix(clean, "/")+".json")
}

func validate(s *gojsonschema.Schema, doc []byte) ([]FieldError, error) {
	res, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	if res.Valid() {
		return nil, nil
	}
	fails := make([]FieldError, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		fails = append(fails, FieldError{
			Path:        re.Field(),
			Description: re.Description(),
		})
	}
	return fails, nil
}
