package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codemachine-cli/codemachine/internal/config"
)

// Project is a throwaway project directory laid out with default paths.
type Project struct {
	Dir    string
	Config *config.Config
}

// NewProject creates an empty project in a temp dir.
func NewProject(t *testing.T) *Project {
	t.Helper()
	p := &Project{Dir: t.TempDir(), Config: config.Default()}
	p.Config.Logging.Level = config.LogLevelDebug
	if err := os.MkdirAll(p.Config.StateDir(p.Dir), 0755); err != nil {
		t.Fatalf("creating state dir: %v", err)
	}
	return p
}

// WriteFile writes content to a path relative to the project, creating
// parent directories.
func (p *Project) WriteFile(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(p.Dir, rel)
	if filepath.IsAbs(rel) {
		path = rel
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// WriteAgents writes an agent catalog with one prompt file per id. Each
// prompt reads "You are <id>.".
func (p *Project) WriteAgents(t *testing.T, ids ...string) string {
	t.Helper()
	catalog := p.Config.AgentsPath(p.Dir)
	var b strings.Builder
	for _, id := range ids {
		p.WriteFile(t, filepath.Join(filepath.Dir(catalog), "agents", id+".md"), fmt.Sprintf("You are %s.\n", id))
		fmt.Fprintf(&b, "[[agents]]\nid = %q\nprompt = %q\n\n", id, "agents/"+id+".md")
	}
	return p.WriteFile(t, catalog, b.String())
}

// WriteTemplate writes the workflow template.
func (p *Project) WriteTemplate(t *testing.T, content string) string {
	t.Helper()
	return p.WriteFile(t, p.Config.TemplatePath(p.Dir), content)
}

// WriteLedger writes the task ledger.
func (p *Project) WriteLedger(t *testing.T, content string) string {
	t.Helper()
	return p.WriteFile(t, p.Config.LedgerPath(p.Dir), content)
}

// ReadFile returns the contents of a project-relative or absolute path.
func (p *Project) ReadFile(t *testing.T, rel string) string {
	t.Helper()
	path := rel
	if !filepath.IsAbs(rel) {
		path = filepath.Join(p.Dir, rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}
