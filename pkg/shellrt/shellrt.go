/*
 * Copyright 2025 Termdock Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package shellrt runs interactive shell sessions as child processes and
// exposes them through the stream.Runtime boundary.
package shellrt

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/stream"
)

const readChunkSize = 4096

// session is one running child process.
type session struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu       sync.Mutex
	listener *stream.Handler
	cols     uint16
	rows     uint16
}

func (s *session) setListener(h stream.Handler) {
	s.mu.Lock()
	s.listener = &h
	s.mu.Unlock()
}

func (s *session) clearListener() {
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
}

func (s *session) emitData(chunk []byte) {
	s.mu.Lock()
	h := s.listener
	s.mu.Unlock()

	if h != nil && h.OnData != nil {
		h.OnData(chunk)
	}
}

func (s *session) emitExit(code int) {
	s.mu.Lock()
	h := s.listener
	s.mu.Unlock()

	if h != nil && h.OnExit != nil {
		h.OnExit(code)
	}
}

// Runtime spawns and tracks shell sessions.
type Runtime struct {
	shell  string
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

var _ stream.Runtime = (*Runtime)(nil)

// New creates a Runtime using the given shell binary, falling back to $SHELL
// and then /bin/sh.
func New(shell string, log logger.Logger) *Runtime {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}

	if shell == "" {
		shell = "/bin/sh"
	}

	return &Runtime{
		shell:    shell,
		logger:   log.WithComponent("shellrt"),
		sessions: make(map[string]*session),
	}
}

// Spawn starts a new child process and begins pumping its output. The
// context only gates the spawn itself; the session outlives the caller.
func (r *Runtime) Spawn(ctx context.Context, opts stream.SpawnOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	command := opts.Command
	if command == "" {
		command = r.shell
	}

	cmd := exec.Command(command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start session process: %w", err)
	}

	s := &session{
		id:    uuid.NewString(),
		cmd:   cmd,
		stdin: stdin,
		cols:  opts.Cols,
		rows:  opts.Rows,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.logger.Info().
		Str("session_id", s.id).
		Str("command", command).
		Int("pid", cmd.Process.Pid).
		Msg("Session spawned")

	go r.pump(s, stdout)

	return s.id, nil
}

// pump reads the process output until EOF, then reaps it and reports the
// exit code.
func (r *Runtime) pump(s *session, out io.Reader) {
	buf := make([]byte, readChunkSize)

	for {
		n, err := out.Read(buf)
		if n > 0 {
			s.emitData(buf[:n])
		}

		if err != nil {
			break
		}
	}

	code := 0
	if err := s.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	r.logger.Info().
		Str("session_id", s.id).
		Int("exit_code", code).
		Msg("Session exited")

	s.emitExit(code)
}

func (r *Runtime) lookup(streamID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[streamID]
	if !ok {
		return nil, models.ErrStreamNotFound
	}

	return s, nil
}

// Write forwards input bytes to the session's stdin.
func (r *Runtime) Write(streamID string, data []byte) error {
	s, err := r.lookup(streamID)
	if err != nil {
		return err
	}

	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to session %s: %w", streamID, err)
	}

	return nil
}

// Resize records the requested dimensions. Without a PTY the child cannot be
// signaled about them; the stored size is surfaced to new listeners.
func (r *Runtime) Resize(streamID string, cols, rows uint16) error {
	s, err := r.lookup(streamID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cols = cols
	s.rows = rows
	s.mu.Unlock()

	return nil
}

// Kill terminates the session's process. The exit event follows through the
// normal pump path.
func (r *Runtime) Kill(streamID string) error {
	s, err := r.lookup(streamID)
	if err != nil {
		return err
	}

	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", streamID, err)
	}

	return nil
}

// Sessions lists the ids of the running sessions.
func (r *Runtime) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}

	return ids
}

// Attach installs the session's single listener.
func (r *Runtime) Attach(streamID string, h stream.Handler) (func(), error) {
	s, err := r.lookup(streamID)
	if err != nil {
		return nil, err
	}

	s.setListener(h)

	return s.clearListener, nil
}
