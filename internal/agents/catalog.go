// Package agents loads the declarative agent catalog.
//
// The catalog is a TOML file validated against a fixed schema before use:
//
//	[[agents]]
//	id = "builder"
//	name = "Code Builder"
//	prompt = "prompts/builder.md"
//	model = "gpt-5-codex"
//	reasoning_effort = "high"
//	engine = "codex"
package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/BurntSushi/toml"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// ReasoningEffort is an optional per-agent hint passed to engines that support it.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// Valid reports whether e is empty or one of the known levels.
func (e ReasoningEffort) Valid() bool {
	switch e {
	case "", EffortLow, EffortMedium, EffortHigh:
		return true
	}
	return false
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Definition is one agent. It is immutable once the catalog is loaded.
type Definition struct {
	ID              string          `toml:"id"`
	Name            string          `toml:"name"`
	Model           string          `toml:"model"`
	ReasoningEffort ReasoningEffort `toml:"reasoning_effort"`
	Prompt          string          `toml:"prompt"`
	Engine          string          `toml:"engine"`
}

// DisplayName returns Name, falling back to ID.
func (d Definition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

type catalogFile struct {
	Agents []Definition `toml:"agents"`
}

// Catalog indexes agent definitions by id.
type Catalog struct {
	byID  map[string]Definition
	order []string
}

// NewCatalog builds a catalog from already-validated definitions.
func NewCatalog(defs ...Definition) *Catalog {
	c := &Catalog{byID: make(map[string]Definition)}
	for _, d := range defs {
		if _, dup := c.byID[d.ID]; !dup {
			c.order = append(c.order, d.ID)
		}
		c.byID[d.ID] = d
	}
	return c
}

// Load parses and validates the catalog at path. Relative prompt paths
// resolve against the catalog's directory.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmerrors.IOFileNotFound(path)
		}
		return nil, cmerrors.IOReadError(path, err)
	}

	var file catalogFile
	md, err := toml.Decode(string(data), &file)
	if err != nil {
		return nil, cmerrors.Wrap(cmerrors.CodeConfigInvalidValue, fmt.Sprintf("parsing agent catalog %s", path), err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, cmerrors.ConfigInvalidValue("agents", undecoded[0].String(), "unknown key in agent catalog")
	}

	base := filepath.Dir(path)
	for i := range file.Agents {
		if p := file.Agents[i].Prompt; p != "" && !filepath.IsAbs(p) {
			file.Agents[i].Prompt = filepath.Join(base, p)
		}
	}

	if err := Validate(file.Agents); err != nil {
		return nil, err
	}
	return NewCatalog(file.Agents...), nil
}

// Validate checks ids, reasoning effort and prompt files.
func Validate(defs []Definition) error {
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		field := fmt.Sprintf("agents[%d]", i)
		if d.ID == "" {
			return cmerrors.ConfigMissingField(field + ".id")
		}
		if !validID.MatchString(d.ID) {
			return cmerrors.ConfigInvalidValue(field+".id", d.ID, "must be alphanumeric with . _ -")
		}
		if seen[d.ID] {
			return cmerrors.ConfigInvalidValue(field+".id", d.ID, "duplicate agent id")
		}
		seen[d.ID] = true

		if !d.ReasoningEffort.Valid() {
			return cmerrors.ConfigInvalidValue(field+".reasoning_effort", string(d.ReasoningEffort), "must be low, medium or high")
		}
		if d.Prompt == "" {
			return cmerrors.ConfigMissingField(field + ".prompt")
		}
		info, err := os.Stat(d.Prompt)
		if err != nil {
			return cmerrors.ConfigInvalidValue(field+".prompt", d.Prompt, "prompt file not found")
		}
		if info.IsDir() {
			return cmerrors.ConfigInvalidValue(field+".prompt", d.Prompt, "prompt is a directory")
		}
	}
	return nil
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (Definition, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// Has reports whether id is defined.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// List returns definitions in catalog order.
func (c *Catalog) List() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// IDs returns the sorted agent ids.
func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}

// Len returns the number of agents.
func (c *Catalog) Len() int {
	return len(c.order)
}
