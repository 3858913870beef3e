package cluster

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/teranos/harvest/errors"
)

// Session is one remote shell connection, used for exactly one logical operation
type Session interface {
	// Run executes command and returns its stdout and stderr lines
	Run(ctx context.Context, command string) (stdout, stderr []string, err error)
	// Upload writes r to remotePath; relative paths resolve against the remote home
	Upload(ctx context.Context, r io.Reader, remotePath string) error
	// Open opens a remote file for reading; a missing file satisfies errors.Is(err, os.ErrNotExist)
	Open(ctx context.Context, remotePath string) (io.ReadCloser, error)
	Close() error
}

// Dialer opens sessions to the cluster
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// CommandError is a remote command that wrote to stderr
type CommandError struct {
	Command string
	Stderr  []string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("error in executing command %s: %s", e.Command, strings.Join(e.Stderr, ","))
}

// withSession dials, runs fn and closes the session on every path
func withSession(ctx context.Context, d Dialer, fn func(Session) error) (err error) {
	s, err := d.Dial(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open cluster session")
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close cluster session")
		}
	}()
	return fn(s)
}
