package nis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// StatusSource produces raw KEY: VALUE status text without going through the
// network protocol.
type StatusSource interface {
	Status(ctx context.Context) (string, error)
}

var _ StatusSource = (*LocalCommand)(nil)

// DefaultCommandCandidates lists where apcaccess is usually installed, in
// search order. The bare name is resolved through PATH last.
var DefaultCommandCandidates = []string{
	"/opt/homebrew/sbin/apcaccess",
	"/opt/homebrew/bin/apcaccess",
	"/usr/local/sbin/apcaccess",
	"/usr/local/bin/apcaccess",
	"/usr/sbin/apcaccess",
	"/usr/bin/apcaccess",
	"apcaccess",
}

// errNoCommand is returned when no status executable could be located.
var errNoCommand = errors.New("nis: no local status command found")

// LocalCommand runs a status-query executable with no arguments.
type LocalCommand struct {
	// Executable overrides the search list when non-empty.
	Executable string
	// Candidates is the search list; nil means DefaultCommandCandidates.
	Candidates []string
}

// NewLocalCommand returns a LocalCommand for executable, or for the default
// search list when executable is empty.
func NewLocalCommand(executable string) *LocalCommand {
	return &LocalCommand{Executable: executable}
}

// Status runs the resolved executable and returns its stdout.
func (l *LocalCommand) Status(ctx context.Context) (string, error) {
	path, err := l.resolve()
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, path).Output()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", path, err)
	}
	return string(out), nil
}

func (l *LocalCommand) resolve() (string, error) {
	candidates := l.Candidates
	if l.Executable != "" {
		candidates = []string{l.Executable}
	} else if candidates == nil {
		candidates = DefaultCommandCandidates
	}

	for _, c := range candidates {
		if !strings.ContainsRune(c, os.PathSeparator) {
			if p, err := exec.LookPath(c); err == nil {
				return p, nil
			}
			continue
		}
		if isExecutable(c) {
			return c, nil
		}
	}
	return "", errNoCommand
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
