// Package ledger persists the task plan that a workflow run works through.
//
// The ledger file is JSON of the form
//
//	{"tasks": [{"id", "name", "details", "acceptanceCriteria", "phase", "done", "subtasks": [...]}]}
//
// Keys the package does not know about are carried through a load/save
// cycle untouched and in their original order. Every save is atomic
// (temp file + rename) and serialized across processes with a lock file.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

type object = orderedmap.OrderedMap[string, json.RawMessage]

func newObject() *object {
	return orderedmap.New[string, json.RawMessage]()
}

// Subtask is one ordered step of a task.
type Subtask struct {
	ID      string
	Name    string
	Details string

	fields *object
}

// Task is one unit of planned work.
type Task struct {
	ID                 string
	Name               string
	Details            string
	AcceptanceCriteria string
	Phase              string
	Done               bool
	Subtasks           []*Subtask

	fields *object
}

// Ledger is a loaded task ledger bound to its file.
type Ledger struct {
	mu    sync.Mutex
	path  string
	root  *object
	Tasks []*Task
}

// New creates an in-memory ledger that will be written to path on Save.
func New(path string, tasks ...*Task) *Ledger {
	return &Ledger{path: path, root: newObject(), Tasks: tasks}
}

// Load reads the ledger at path.
func Load(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmerrors.IOFileNotFound(path)
		}
		return nil, cmerrors.IOReadError(path, err)
	}
	l, err := Parse(data)
	if err != nil {
		return nil, cmerrors.LedgerParse(path, err)
	}
	l.path = path
	return l, nil
}

// Parse decodes ledger JSON without binding it to a file.
func Parse(data []byte) (*Ledger, error) {
	root := newObject()
	if err := json.Unmarshal(data, root); err != nil {
		return nil, err
	}

	l := &Ledger{root: root}
	raw, ok := root.Get("tasks")
	if !ok || isNull(raw) {
		return l, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	for i, item := range items {
		task, err := decodeTask(item)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		l.Tasks = append(l.Tasks, task)
	}
	return l, nil
}

func decodeTask(data []byte) (*Task, error) {
	fields := newObject()
	if err := json.Unmarshal(data, fields); err != nil {
		return nil, err
	}

	var known struct {
		ID                 string            `json:"id"`
		Name               string            `json:"name"`
		Details            string            `json:"details"`
		AcceptanceCriteria string            `json:"acceptanceCriteria"`
		Phase              string            `json:"phase"`
		Done               bool              `json:"done"`
		Subtasks           []json.RawMessage `json:"subtasks"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}

	task := &Task{
		ID:                 known.ID,
		Name:               known.Name,
		Details:            known.Details,
		AcceptanceCriteria: known.AcceptanceCriteria,
		Phase:              known.Phase,
		Done:               known.Done,
		fields:             fields,
	}
	for i, raw := range known.Subtasks {
		st, err := decodeSubtask(raw)
		if err != nil {
			return nil, fmt.Errorf("subtasks[%d]: %w", i, err)
		}
		task.Subtasks = append(task.Subtasks, st)
	}
	return task, nil
}

func decodeSubtask(data []byte) (*Subtask, error) {
	fields := newObject()
	if err := json.Unmarshal(data, fields); err != nil {
		return nil, err
	}
	var known struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	return &Subtask{ID: known.ID, Name: known.Name, Details: known.Details, fields: fields}, nil
}

// Path returns the file the ledger saves to.
func (l *Ledger) Path() string {
	return l.path
}

// Task returns the task with the given id.
func (l *Ledger) Task(id string) (*Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// FirstIncomplete returns the first task in ledger order that is not done.
func (l *Ledger) FirstIncomplete() *Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.Tasks {
		if !t.Done {
			return t
		}
	}
	return nil
}

// FirstIncompleteInPhase returns the first not-done task whose phase matches.
func (l *Ledger) FirstIncompleteInPhase(phase string) *Task {
	if phase == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.Tasks {
		if !t.Done && t.Phase == phase {
			return t
		}
	}
	return nil
}

// AllDone reports whether every task is done. An empty ledger is done.
func (l *Ledger) AllDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.Tasks {
		if !t.Done {
			return false
		}
	}
	return true
}

// Completed returns the done tasks in ledger order.
func (l *Ledger) Completed() []*Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Task
	for _, t := range l.Tasks {
		if t.Done {
			out = append(out, t)
		}
	}
	return out
}

// Progress returns the number of done tasks and the total.
func (l *Ledger) Progress() (done, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.Tasks {
		if t.Done {
			done++
		}
	}
	return done, len(l.Tasks)
}

// SetDone updates a task's completion flag and saves the ledger before
// returning, so the change is durable before the caller moves on.
func (l *Ledger) SetDone(id string, done bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var target *Task
	for _, t := range l.Tasks {
		if t.ID == id {
			target = t
			break
		}
	}
	if target == nil {
		return cmerrors.LedgerTaskNotFound(id)
	}
	if target.Done == done {
		return nil
	}
	target.Done = done
	return l.save()
}

// Save writes the ledger atomically while holding the ledger lock file.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save()
}

func (l *Ledger) save() error {
	if l.path == "" {
		return cmerrors.ConfigMissingField("ledger path")
	}

	data, err := l.encode()
	if err != nil {
		return cmerrors.IOWriteError(l.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return cmerrors.IOWriteError(l.path, err)
	}

	lock := flock.New(l.path + ".lock")
	if err := lock.Lock(); err != nil {
		return cmerrors.IOWriteError(l.path, fmt.Errorf("locking ledger: %w", err))
	}
	defer lock.Unlock()

	return writeAtomic(l.path, data)
}

// writeAtomic writes data to a sibling temp file and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return cmerrors.IOWriteError(path, fmt.Errorf("writing temp file: %w", err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return cmerrors.IOWriteError(path, fmt.Errorf("renaming temp file: %w", err))
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
