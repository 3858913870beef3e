package cluster

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
)

// fakeDialer records every command and upload; respond scripts the output
type fakeDialer struct {
	mu       sync.Mutex
	commands []string
	uploads  map[string]string
	files    map[string]string
	dials    int
	closes   int
	respond  func(cmd string) (stdout, stderr []string)
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{uploads: map[string]string{}, files: map[string]string{}}
}

func (d *fakeDialer) Dial(context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return &fakeSession{d: d}, nil
}

func (d *fakeDialer) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

type fakeSession struct{ d *fakeDialer }

func (s *fakeSession) Run(_ context.Context, cmd string) ([]string, []string, error) {
	s.d.mu.Lock()
	s.d.commands = append(s.d.commands, cmd)
	respond := s.d.respond
	s.d.mu.Unlock()
	if respond == nil {
		return nil, nil, nil
	}
	out, errOut := respond(cmd)
	return out, errOut, nil
}

func (s *fakeSession) Upload(_ context.Context, r io.Reader, remote string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.uploads[remote] = string(data)
	return nil
}

func (s *fakeSession) Open(_ context.Context, remote string) (io.ReadCloser, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	content, ok := s.d.files[remote]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: remote, Err: os.ErrNotExist}
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (s *fakeSession) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.closes++
	return nil
}
