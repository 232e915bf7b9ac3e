// Package memory keeps one plain-text file per agent holding the latest
// sanitized output of that agent's last successful step.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
	"github.com/codemachine-cli/codemachine/internal/process"
)

// Ext is the memory file extension.
const Ext = ".md"

var validAgentID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Store reads and overwrites agent memory files in a directory.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Dir returns the memory directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the memory file for agentID.
func (s *Store) Path(agentID string) string {
	return filepath.Join(s.dir, agentID+Ext)
}

func (s *Store) lockFor(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

// Write replaces the agent's memory with content. Prior content is
// superseded, never appended to.
func (s *Store) Write(agentID, content string) error {
	if !validAgentID.MatchString(agentID) {
		return cmerrors.ConfigInvalidValue("agent id", agentID, "not usable as a memory file name")
	}

	l := s.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return cmerrors.IOWriteError(s.dir, err)
	}

	path := s.Path(agentID)
	tmp, err := os.CreateTemp(s.dir, "."+agentID+"-*.tmp")
	if err != nil {
		return cmerrors.IOWriteError(path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return cmerrors.IOWriteError(path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return cmerrors.IOWriteError(path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return cmerrors.IOWriteError(path, fmt.Errorf("renaming temp file: %w", err))
	}
	return nil
}

// Read returns the agent's memory, or "" when none was written yet.
func (s *Store) Read(agentID string) (string, error) {
	data, err := os.ReadFile(s.Path(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", cmerrors.IOReadError(s.Path(agentID), err)
	}
	return string(data), nil
}

// Exists reports whether the agent has a memory file.
func (s *Store) Exists(agentID string) bool {
	_, err := os.Stat(s.Path(agentID))
	return err == nil
}

// Clear removes the agent's memory file. Missing files are not an error.
func (s *Store) Clear(agentID string) error {
	if err := os.Remove(s.Path(agentID)); err != nil && !os.IsNotExist(err) {
		return cmerrors.IOWriteError(s.Path(agentID), err)
	}
	return nil
}

// Sanitize prepares step output for storage: escape sequences are removed,
// every echo of the given prompt texts is cut out, and the result is
// normalized the way terminal output is.
func Sanitize(output string, echoes ...string) string {
	out := ansi.Strip(output)
	for _, echo := range echoes {
		echo = strings.TrimSpace(echo)
		if echo == "" {
			continue
		}
		out = strings.ReplaceAll(out, echo, "")
	}
	lines := strings.Split(process.Normalize(out, false), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}
