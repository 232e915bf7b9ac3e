package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_OverwriteNotAppend(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "memory"))

	var last string
	for i := 1; i <= 3; i++ {
		last = fmt.Sprintf("completion %d\n", i)
		require.NoError(t, s.Write("builder", last))
	}

	got, err := s.Read("builder")
	require.NoError(t, err)
	assert.Equal(t, last, got)
}

func TestStore_ReadMissing(t *testing.T) {
	s := NewStore(t.TempDir())

	got, err := s.Read("nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, s.Exists("nobody"))
}

func TestStore_PathAndClear(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	assert.Equal(t, filepath.Join(dir, "planner.md"), s.Path("planner"))
	require.NoError(t, s.Write("planner", "x"))
	assert.True(t, s.Exists("planner"))

	require.NoError(t, s.Clear("planner"))
	assert.False(t, s.Exists("planner"))
	require.NoError(t, s.Clear("planner"))
}

func TestStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Write("a", "one"))
	require.NoError(t, s.Write("a", "two"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.md", entries[0].Name())
}

func TestStore_RejectsUnsafeIDs(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		assert.Error(t, s.Write(id, "x"), id)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name   string
		output string
		echoes []string
		want   string
	}{
		{
			name:   "plain",
			output: "did the thing\n",
			want:   "did the thing\n",
		},
		{
			name:   "prompt echo removed",
			output: "You are the builder.\nBuild it.\nDone building.\n",
			echoes: []string{"You are the builder.\nBuild it."},
			want:   "Done building.\n",
		},
		{
			name:   "empty echo ignored",
			output: "result",
			echoes: []string{"", "   "},
			want:   "result\n",
		},
		{
			name:   "ansi and blank runs",
			output: "\x1b[32mok\x1b[0m\n\n\n\n\nnext\r\n",
			want:   "ok\n\nnext\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.output, tt.echoes...))
		})
	}
}
