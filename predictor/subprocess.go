package predictor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
)

// Subprocess drives a long-lived worker process: one JSON request per line
// on stdin, one JSON response per line on stdout. The worker handles one
// request at a time, so it never reports itself concurrency safe.
type Subprocess struct {
	info          Info
	sendInstances bool
	command       []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	broken error
}

// NewSubprocess starts the worker named by cfg.Command.
func NewSubprocess(info Info, cfg Config) (*Subprocess, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("NewSubprocess: command is required")
	}
	s := &Subprocess{info: info, sendInstances: cfg.SendInstances, command: cfg.Command}
	if err := s.start(); err != nil {
		return nil, fmt.Errorf("NewSubprocess: %w", err)
	}
	return s, nil
}

// start spawns a fresh worker. Callers hold mu or own s exclusively.
func (s *Subprocess) start() error {
	cmd := exec.Command(s.command[0], s.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.command[0], err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Printf("predictor[%s]: %s", s.info.Name, sc.Text())
		}
	}()

	s.cmd, s.stdin, s.stdout = cmd, stdin, bufio.NewReaderSize(stdout, 1<<20)
	s.broken = nil
	return nil
}

// restart reaps a worker left unusable by an earlier call and spawns another.
func (s *Subprocess) restart() error {
	log.Printf("predictor[%s]: restarting worker after: %v", s.info.Name, s.broken)
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	return s.start()
}

func (s *Subprocess) Info() Info { return s.info }

// Predict writes one request line and waits for one response line. If ctx
// expires mid-exchange the worker is killed, since its stream position is
// no longer known; the next call starts a new one.
func (s *Subprocess) Predict(ctx context.Context, in Input) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		if err := s.restart(); err != nil {
			return nil, fmt.Errorf("Predict: restart worker: %v: %w", err, ErrPredict)
		}
	}

	line, err := json.Marshal(buildRequest(s.info.Name, in, s.sendInstances))
	if err != nil {
		return nil, fmt.Errorf("Predict: marshal: %w", err)
	}

	type reply struct {
		line []byte
		err  error
	}
	done := make(chan reply, 1)
	stdin, stdout := s.stdin, s.stdout
	go func() {
		if _, err := stdin.Write(append(line, '\n')); err != nil {
			done <- reply{err: err}
			return
		}
		b, err := stdout.ReadBytes('\n')
		done <- reply{line: b, err: err}
	}()

	select {
	case <-ctx.Done():
		s.broken = ctx.Err()
		_ = s.cmd.Process.Kill()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			s.broken = r.err
			return nil, fmt.Errorf("Predict: worker io: %v: %w", r.err, ErrPredict)
		}
		var wr wireResponse
		if err := json.Unmarshal(r.line, &wr); err != nil {
			return nil, fmt.Errorf("Predict: decode %q: %v: %w", truncate(r.line), err, ErrPredict)
		}
		return wr.result()
	}
}

// Close ends the worker by closing its stdin. A worker killed after a
// timeout is only reaped.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.stdin.Close()
	err := s.cmd.Wait()
	if s.broken != nil {
		return nil
	}
	return err
}
