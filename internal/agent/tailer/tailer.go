// Package tailer implements incremental reads of the local SSH auth log.
// It remembers how far it has read via a small JSON position file (mode
// 0600, same convention as internal/config's on-disk agent config) so a
// restart resumes instead of re-reading the whole file, and detects log
// rotation by inode rather than by size — a rotated file can be smaller
// than the last recorded offset even without having shrunk in place.
//
// Reading is two-phase (Peek then Commit) so the reporter loop can
// submit a batch to the server before advancing the persisted position:
// on failure, the persisted position is left alone and the next tick
// re-reads from the saved offset.
package tailer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// sshLineMarkers are substrings a line must contain to be considered
// for classification at all — only sshd/ssh-related lines are tailed.
// This is a cheap pre-filter; parser.Classify does the real work.
var sshLineMarkers = []string{
	"sshd", "ssh", "Failed password", "Accepted password",
	"Accepted publickey", "Invalid user", "Connection closed",
}

// State is the on-disk record of how far the tailer has read.
type State struct {
	Filename string `json:"filename"`
	Offset   int64  `json:"offset"`
	Inode    uint64 `json:"inode"`
}

// Tailer incrementally reads new lines appended to a log file,
// persisting its read position so a restart does not re-ingest lines
// already reported to the server.
type Tailer struct {
	mu        sync.Mutex
	path      string
	stateFile string
	state     State // committed (persisted) position
}

// New builds a Tailer for path, restoring its last position from
// stateFile if present. A missing or corrupt state file starts the
// tailer at the current end of the log rather than failing.
func New(path, stateFile string) (*Tailer, error) {
	t := &Tailer{path: path, stateFile: stateFile}

	data, err := os.ReadFile(stateFile)
	if err == nil {
		var st State
		if jsonErr := json.Unmarshal(data, &st); jsonErr == nil && st.Filename == path {
			t.state = st
			return t, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read tailer state %s: %w", stateFile, err)
	}

	ino, size, statErr := inodeAndSize(path)
	if statErr != nil {
		// The log may not exist yet on a freshly provisioned host; start
		// at offset zero and let the next Peek pick it up once it does.
		t.state = State{Filename: path}
		return t, nil
	}
	t.state = State{Filename: path, Offset: size, Inode: ino}
	return t, nil
}

// Peek reads up to maxLines new SSH-relevant lines appended since the
// last committed position, without persisting anything. It returns the
// lines and the State the caller must pass to Commit once it has
// successfully handed those lines off (e.g. submitted them to the
// server). A zero or negative maxLines reads to EOF.
func (t *Tailer) Peek(maxLines int) ([]string, State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peekLocked(maxLines)
}

// Commit advances the persisted read position to pending, which must be
// a State previously returned by Peek. Callers must not commit a State
// from a Peek call that is not the most recent one against this Tailer.
func (t *Tailer) Commit(pending State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = pending
	return t.persist()
}

// Tail is a convenience for callers that don't need the two-phase
// Peek/Commit split: it reads new lines and commits immediately, so
// lines it returns are not re-read even if the caller fails to use them.
func (t *Tailer) Tail(maxLines int) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines, pending, err := t.peekLocked(maxLines)
	if err != nil {
		return lines, err
	}
	t.state = pending
	if err := t.persist(); err != nil {
		return lines, err
	}
	return lines, nil
}

func (t *Tailer) peekLocked(maxLines int) ([]string, State, error) {
	pending := t.state

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pending, nil
		}
		return nil, pending, fmt.Errorf("open %s: %w", t.path, err)
	}
	defer f.Close()

	ino, size, err := statFile(f)
	if err != nil {
		return nil, pending, fmt.Errorf("stat %s: %w", t.path, err)
	}

	offset := t.state.Offset
	if t.state.Inode != 0 && ino != t.state.Inode {
		offset = 0 // rotated: new inode, start from the top of the new file
	} else if size < offset {
		offset = 0 // truncated in place
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, pending, fmt.Errorf("seek %s: %w", t.path, err)
	}

	var lines []string
	reader := bufio.NewReader(f)
	newOffset := offset
	for len(lines) < maxLines || maxLines <= 0 {
		line, readErr := reader.ReadString('\n')
		if line != "" && strings.HasSuffix(line, "\n") {
			newOffset += int64(len(line))
			if isSSHLine(line) {
				lines = append(lines, strings.TrimRight(line, "\r\n"))
			}
		}
		if readErr != nil {
			break // EOF, or a trailing partial line left for next Peek
		}
	}

	pending = State{Filename: t.path, Offset: newOffset, Inode: ino}
	return lines, pending, nil
}

func isSSHLine(line string) bool {
	for _, marker := range sshLineMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func (t *Tailer) persist() error {
	data, err := json.Marshal(t.state)
	if err != nil {
		return fmt.Errorf("marshal tailer state: %w", err)
	}
	if err := os.WriteFile(t.stateFile, data, 0o600); err != nil {
		return fmt.Errorf("write tailer state %s: %w", t.stateFile, err)
	}
	return nil
}
