// Package argschema compiles JSON Schema documents into validator handles used
// to check tool arguments before a tool sees them.
package argschema

import (
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultCacheSize is the number of compiled schemas kept by the default compiler.
const DefaultCacheSize = 256

// Schema is a compiled argument schema. The zero value is not usable; build
// one with Compile or MustCompile.
type Schema struct {
	doc      []byte
	compiled *jsonschema.Schema
}

// Raw returns a fresh copy of the schema document the handle was compiled
// from. Callers may modify it.
func (s *Schema) Raw() map[string]any {
	if s == nil || s.doc == nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(s.doc, &raw); err != nil {
		return nil
	}
	return raw
}

// Validate checks args against the schema. A nil Schema accepts anything.
func (s *Schema) Validate(args map[string]any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	doc, err := normalize(args)
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalize round-trips args through encoding/json so Go numeric types and
// structs become the plain JSON values the validator expects.
func normalize(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Compiler compiles schema documents and caches the result keyed by the
// document's canonical JSON encoding.
type Compiler struct {
	cache *lru.Cache[string, *Schema]
}

// NewCompiler creates a compiler whose cache holds up to size schemas.
func NewCompiler(size int) (*Compiler, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Schema](size)
	if err != nil {
		return nil, fmt.Errorf("NewCompiler: %w", err)
	}
	return &Compiler{cache: cache}, nil
}

// Compile returns a Schema for raw, reusing a cached compilation when the same
// document was compiled before.
func (c *Compiler) Compile(raw map[string]any) (*Schema, error) {
	if raw == nil {
		return nil, fmt.Errorf("Compile: schema document is nil")
	}
	// encoding/json sorts map keys, which makes the key canonical.
	keyBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("Compile: invalid schema: %w", err)
	}
	key := string(keyBytes)
	if s, ok := c.cache.Get(key); ok {
		return s, nil
	}

	var doc any
	if err := json.Unmarshal(keyBytes, &doc); err != nil {
		return nil, fmt.Errorf("Compile: schema unmarshal: %w", err)
	}

	jc := jsonschema.NewCompiler()
	if err := jc.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("Compile: %w", err)
	}
	compiled, err := jc.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("Compile: %w", err)
	}

	s := &Schema{doc: keyBytes, compiled: compiled}
	c.cache.Add(key, s)
	return s, nil
}

var (
	defaultOnce     sync.Once
	defaultCompiler *Compiler
)

func getDefault() *Compiler {
	defaultOnce.Do(func() {
		c, err := NewCompiler(DefaultCacheSize)
		if err != nil {
			panic(err)
		}
		defaultCompiler = c
	})
	return defaultCompiler
}

// Compile compiles raw with the package-level compiler.
func Compile(raw map[string]any) (*Schema, error) {
	return getDefault().Compile(raw)
}

// MustCompile is like Compile but panics on error. Intended for schemas
// declared as package-level literals.
func MustCompile(raw map[string]any) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Object returns a schema accepting any JSON object.
func Object() *Schema {
	return MustCompile(map[string]any{"type": "object"})
}
