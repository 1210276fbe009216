package tailer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTailReadsOnlyNewSSHLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	statePath := filepath.Join(dir, "state.json")

	require.NoError(t, os.WriteFile(logPath, []byte("Jan 1 00:00:00 host cron[1]: noise\n"), 0o644))

	tl, err := New(logPath, statePath)
	require.NoError(t, err)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("Jan 1 00:00:01 host sshd[2]: Failed password for root from 1.2.3.4 port 22 ssh2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, err := tl.Tail(100)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "Failed password")
}

func TestTailIsIdempotentBetweenCalls(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	statePath := filepath.Join(dir, "state.json")

	require.NoError(t, os.WriteFile(logPath, nil, 0o644))

	tl, err := New(logPath, statePath)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(logPath, []byte("sshd[1]: Accepted publickey for alice from 5.6.7.8 port 22 ssh2\n"), 0o644))

	first, err := tl.Tail(100)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := tl.Tail(100)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestTailSurvivesRestartViaPersistedState(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	statePath := filepath.Join(dir, "state.json")

	require.NoError(t, os.WriteFile(logPath, []byte("sshd[1]: Invalid user test from 9.9.9.9 port 22\n"), 0o644))

	tl, err := New(logPath, statePath)
	require.NoError(t, err)
	_, err = tl.Tail(100)
	require.NoError(t, err)

	restarted, err := New(logPath, statePath)
	require.NoError(t, err)
	lines, err := restarted.Tail(100)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestTailDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	statePath := filepath.Join(dir, "state.json")

	require.NoError(t, os.WriteFile(logPath, []byte("sshd[1]: Accepted password for bob from 1.1.1.1 port 22 ssh2\nsshd[1]: Accepted password for bob from 1.1.1.1 port 22 ssh2\n"), 0o644))

	tl, err := New(logPath, statePath)
	require.NoError(t, err)
	_, err = tl.Tail(100)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(logPath, []byte("sshd[1]: Failed password for root from 2.2.2.2 port 22 ssh2\n"), 0o644))

	lines, err := tl.Tail(100)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "root")
}
