package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const samCheckpoint = "Sam grew up by the sea.\n\n--- CONVERSATION HISTORY ---\n\nuser: My name is Sam\nassistant: Nice to meet you, Sam!\nnarrator: ignored\n"

func TestInspect(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sessionStory.txt", samCheckpoint)

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Sam grew up by the sea.")
	assert.Contains(t, out, "Messages (2):")
	assert.Contains(t, out, "user:     My name is Sam")
	assert.Contains(t, out, "1 unreadable line(s) skipped")
}

func TestInspectJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sessionStory.txt", "Only a story.")

	out, err := execute(t, "inspect", "--json", path)
	require.NoError(t, err)

	var got struct {
		Narrative string            `json:"narrative"`
		Messages  []json.RawMessage `json:"messages"`
		Skipped   int               `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Only a story.", got.Narrative)
	assert.NotNil(t, got.Messages)
	assert.Empty(t, got.Messages)
}

func TestInspectMissingFile(t *testing.T) {
	_, err := execute(t, "inspect", filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

func TestOutline(t *testing.T) {
	out, err := execute(t, "outline")
	require.NoError(t, err)
	assert.Contains(t, out, "1. Hook – Defining Moment [TBD]")
	assert.Contains(t, out, "5. The Climax – Defining Achievements [TBD]")
}

func TestPromptsCheckDefaults(t *testing.T) {
	out, err := execute(t, "prompts", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "embedded defaults: ok")
	assert.Contains(t, out, "write_bio")
}

func TestPromptsCheckIncompleteDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.yaml", "prompts:\n  persona:\n    file: persona.txt\n")
	writeFile(t, dir, "persona.txt", "You are Walt.")

	out, err := execute(t, "prompts", "check", dir)
	require.ErrorIs(t, err, errPromptsIncomplete)
	assert.Contains(t, out, "problem:")
}

func TestHealthUnreachable(t *testing.T) {
	_, err := execute(t, "health", "--addr", "127.0.0.1:1", "--timeout", "200ms")
	require.Error(t, err)
}
