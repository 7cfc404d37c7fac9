package claudecli

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SessionProbe looks for claude session transcripts on disk.
type SessionProbe struct {
	// ConfigDir is the claude config directory, ~/.claude when empty.
	ConfigDir string
}

// Exists implements core.SessionProbe. Errors other than a missing file count
// as present so the CLI gets to decide.
func (p SessionProbe) Exists(workspacePath, sessionID string) bool {
	dir := p.ConfigDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return true
		}
		dir = filepath.Join(home, ".claude")
	}
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return true
	}
	path := filepath.Join(dir, "projects", nonAlnum.ReplaceAllString(abs, "-"), sessionID+".jsonl")
	_, err = os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
