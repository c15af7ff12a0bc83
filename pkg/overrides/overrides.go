// Package overrides validates approver edits to a request's displayed
// parameters before they are applied as an approval.
package overrides

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrDisabled      = errors.New("overrides disabled")
	ErrNoChanges     = errors.New("no parameter changed")
	ErrKeyNotAllowed = errors.New("key not overridable")
	ErrTooManyKeys   = errors.New("too many changed keys")
	ErrTooLarge      = errors.New("combined override size exceeds limit")
	ErrSchema        = errors.New("schema validation failed")
)

// Default limits.
const (
	DefaultMaxKeys  = 8
	DefaultMaxChars = 2000
)

// Reason maps a validation error to the label used in metrics and audit.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.Is(err, ErrNoChanges):
		return "no_changes"
	case errors.Is(err, ErrKeyNotAllowed):
		return "key_not_allowed"
	case errors.Is(err, ErrTooManyKeys):
		return "limit_exceeded"
	case errors.Is(err, ErrTooLarge):
		return "diff_size_exceeded"
	case errors.Is(err, ErrSchema):
		return "schema_validation"
	default:
		return "error"
	}
}

// Limits bounds a single override submission.
type Limits struct {
	MaxKeys  int
	MaxChars int
}

// Change is one edited parameter.
type Change struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Diff holds the effective edits of a submission.
type Diff map[string]Change

// Keys returns the changed keys, sorted.
func (d Diff) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the new value of every changed key.
func (d Diff) Values() map[string]any {
	out := make(map[string]any, len(d))
	for k, c := range d {
		out[k] = c.After
	}
	return out
}

var numeric = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)

// Compute compares submitted against current and keeps the keys that actually
// change. Every submitted key must be in allowed. Numeric-looking strings are
// taken as numbers.
func Compute(current, submitted map[string]any, allowed []string) (Diff, error) {
	d := Diff{}
	for k, v := range submitted {
		if !slices.Contains(allowed, k) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotAllowed, k)
		}
		if s, ok := v.(string); ok && numeric.MatchString(s) {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				v = f
			}
		}
		if sameJSON(current[k], v) {
			continue
		}
		d[k] = Change{Before: current[k], After: v}
	}
	if len(d) == 0 {
		return nil, ErrNoChanges
	}
	return d, nil
}

func sameJSON(a, b any) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}

// Size is the combined character size of the changed keys and values.
func Size(d Diff) int {
	n := 0
	for k, c := range d {
		n += len(k)
		if b, err := json.Marshal(c.After); err == nil {
			n += len(b)
		}
	}
	return n
}

// Validator enforces the submission limits and the optional per-action JSON
// schema found at <dir>/<action>.json.
type Validator struct {
	dir    string
	limits Limits

	mu    sync.Mutex
	cache map[string]*jsonschema.Schema // nil entry: no schema for the action
	raw   map[string]json.RawMessage
}

func NewValidator(dir string, limits Limits) *Validator {
	if limits.MaxKeys <= 0 {
		limits.MaxKeys = DefaultMaxKeys
	}
	if limits.MaxChars <= 0 {
		limits.MaxChars = DefaultMaxChars
	}
	return &Validator{
		dir:    dir,
		limits: limits,
		cache:  map[string]*jsonschema.Schema{},
		raw:    map[string]json.RawMessage{},
	}
}

// Validate checks d for action.
func (v *Validator) Validate(action string, d Diff) error {
	if len(d) > v.limits.MaxKeys {
		return fmt.Errorf("%w: %d > %d", ErrTooManyKeys, len(d), v.limits.MaxKeys)
	}
	if size := Size(d); size > v.limits.MaxChars {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, size, v.limits.MaxChars)
	}
	schema, err := v.schema(action)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	doc, err := normalize(d.Values())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// Schema returns the raw schema document for action, if one exists.
func (v *Validator) Schema(action string) (json.RawMessage, bool) {
	if _, err := v.schema(action); err != nil {
		return nil, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	raw, ok := v.raw[action]
	return raw, ok
}

// Reset drops cached schemas so they are re-read on next use.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = map[string]*jsonschema.Schema{}
	v.raw = map[string]json.RawMessage{}
}

func (v *Validator) schema(action string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[action]; ok {
		return s, nil
	}
	if v.dir == "" || strings.ContainsAny(action, `/\`) || strings.HasPrefix(action, ".") {
		v.cache[action] = nil
		return nil, nil
	}
	b, err := os.ReadFile(filepath.Join(v.dir, action+".json"))
	if errors.Is(err, os.ErrNotExist) {
		v.cache[action] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("overrides: read schema for %s: %w", action, err)
	}

	// Overrides are partial updates, so top-level required is not enforced.
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("overrides: parse schema for %s: %w", action, err)
	}
	delete(doc, "required")
	stripped, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://guard.schemas.local/overrides/%s.schema.json", action)
	if err := c.AddResource(url, bytes.NewReader(stripped)); err != nil {
		return nil, fmt.Errorf("overrides: load schema for %s: %w", action, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("overrides: compile schema for %s: %w", action, err)
	}
	v.cache[action] = compiled
	v.raw[action] = json.RawMessage(b)
	return compiled, nil
}

// normalize round-trips through JSON so the validator sees JSON types only.
func normalize(m map[string]any) (any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
