package jsonl

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type record struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestWriteAppendsOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "records.jsonl")
	w, err := NewWriter(path, zap.NewNop())
	require.NoError(t, err)

	w.Write(record{ID: "a", Value: 1.5})
	w.Write(record{ID: "b", Value: -2})
	w.Close()

	lines := readLines(t, path)
	require.Len(t, lines, 2)

	var first record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, 1.5, first.Value)
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	w, err := NewWriter(path, zap.NewNop())
	require.NoError(t, err)

	w.Write(record{ID: "x"})
	w.Close()
	require.NotPanics(t, w.Close)
}

func TestReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	w, err := NewWriter(path, zap.NewNop())
	require.NoError(t, err)
	w.Write(record{ID: "first"})
	w.Close()

	w, err = NewWriter(path, zap.NewNop())
	require.NoError(t, err)
	w.Write(record{ID: "second"})
	w.Close()

	assert.Len(t, readLines(t, path), 2)
}
