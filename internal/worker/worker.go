// Package worker talks to a local model process over a length-prefixed pipe protocol.
//
// Frames are [uint32 big-endian length][payload] in both directions. Requests go to the child's
// stdin and responses come back on FD 3, leaving stdout/stderr free for the model's own logging.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/glimpse/internal/types"
	"github.com/andresmejia3/glimpse/internal/utils" // Using the SafeCommand wrapper
)

// maxFrame bounds a single response so a corrupt header cannot trigger a huge allocation.
const maxFrame = 64 * 1024 * 1024

// ErrWorkerDead is returned once the process has been killed or its pipes have failed.
var ErrWorkerDead = errors.New("model worker is not running")

// Process is a running model worker. One request is in flight at a time.
type Process struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu   sync.Mutex
	dead bool
}

// Start launches argv[0] with the remaining arguments.
func Start(id int, argv []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("worker command is empty")
	}
	// 1. Initialize the SafeCommand
	proc := utils.NewSafeCommand(argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Process{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one frame and waits for the reply frame.
func (p *Process) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(p.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := p.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(p.DataPipe, header); err != nil {
		return nil, err // This is where we catch a crashed model process
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxFrame {
		return nil, fmt.Errorf("worker %d: response frame too large (%d bytes)", p.ID, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(p.DataPipe, respBody)
	return respBody, err
}

// Invoke sends a JSON request body and returns the JSON response body.
// A {"error": "..."} reply is returned as an error. If ctx ends first the process is killed,
// since the pipe is left mid-frame and cannot be reused.
func (p *Process) Invoke(ctx context.Context, body []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead {
		return nil, ErrWorkerDead
	}

	type reply struct {
		data []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		data, err := p.Communicate(body)
		done <- reply{data, err}
	}()

	var resp reply
	select {
	case resp = <-done:
	case <-ctx.Done():
		p.kill()
		<-done
		return nil, ctx.Err()
	}

	if resp.err != nil {
		p.dead = true
		return nil, fmt.Errorf("worker %d: %w", p.ID, resp.err)
	}

	trimmed := bytes.TrimSpace(resp.data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var errorResult types.ErrorResult
		if json.Unmarshal(trimmed, &errorResult) == nil && errorResult.Error != "" {
			return nil, fmt.Errorf("model worker error: %s", errorResult.Error)
		}
	}
	return resp.data, nil
}

func (p *Process) kill() {
	p.dead = true
	if p.Cmd != nil && p.Cmd.Process != nil {
		_ = p.Cmd.Process.Kill()
	}
	p.DataPipe.Close()
}

// Close shuts down the pipes and waits for the process to exit.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Stdin.Close()
	p.DataPipe.Close()
	p.dead = true
	if p.Cmd == nil {
		return nil
	}
	return p.Cmd.Wait()
}
