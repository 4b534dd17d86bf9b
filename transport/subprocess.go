package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/pool"
)

// Subprocess is a Transport that spawns the worker as a child OS process
// and exchanges newline-delimited JSON frames over its stdin/stdout. A
// crashed child cannot corrupt the control plane's memory.
type Subprocess struct {
	cmd *exec.Cmd
	in  io.WriteCloser

	messages chan Frame
	errCh    chan error
	exit     chan int

	bufPool pool.Pool // reusable []byte encode buffers

	mu         sync.Mutex
	terminated bool

	sendQ *sendQueue
}

// NewSubprocess starts path with args as a child process and begins
// exchanging frames immediately.
func NewSubprocess(ctx context.Context, path string, args ...string) (*Subprocess, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: subprocess stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: subprocess stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: subprocess start: %w", err)
	}

	t := &Subprocess{
		cmd:      cmd,
		in:       stdin,
		messages: make(chan Frame, 64),
		errCh:    make(chan error, 8),
		exit:     make(chan int, 1),
		bufPool: pool.NewDynamic(func() interface{} {
			return new(bytes.Buffer)
		}),
	}
	t.sendQ = newSendQueue(1024, t.rawSend)

	go t.readLoop(stdout)
	go t.waitLoop()

	return t, nil
}

func (t *Subprocess) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			select {
			case t.errCh <- fmt.Errorf("transport: malformed frame ignored: %w", err):
			default:
			}
			continue
		}
		t.messages <- f
	}
}

func (t *Subprocess) waitLoop() {
	err := t.cmd.Wait()
	code := 0
	if err != nil {
		code = 1
		select {
		case t.errCh <- fmt.Errorf("transport: subprocess exited: %w", err):
		default:
		}
	}
	t.exit <- code
}

func (t *Subprocess) Context() Context       { return ContextSubprocess }
func (t *Subprocess) SupportsTransfer() bool { return false }

func (t *Subprocess) rawSend(f Frame) error {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return errs.ErrTerminatedWorker
	}
	t.mu.Unlock()

	buf := t.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer t.bufPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(f); err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	_, err := t.in.Write(buf.Bytes())
	return err
}

func (t *Subprocess) Post(f Frame) error {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return errs.ErrTerminatedWorker
	}
	t.mu.Unlock()
	return t.rawSend(f)
}

func (t *Subprocess) PostPrioritized(f Frame, priority int) error {
	return t.sendQ.enqueue(f, priority)
}

func (t *Subprocess) Messages() <-chan Frame { return t.messages }
func (t *Subprocess) Errors() <-chan error   { return t.errCh }
func (t *Subprocess) Exit() <-chan int       { return t.exit }

func (t *Subprocess) Terminate(ctx context.Context, force bool) error {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return nil
	}
	t.terminated = true
	t.mu.Unlock()

	t.sendQ.stop()

	if force {
		_ = t.cmd.Process.Kill()
		return nil
	}

	_ = t.rawSendUnlocked(Frame{Type: KindTerminate})
	_ = t.in.Close()

	select {
	case <-t.exit:
	case <-ctx.Done():
		_ = t.cmd.Process.Kill()
	}
	return nil
}

// rawSendUnlocked posts a terminate frame even though the terminated flag is
// already set (Terminate's own graceful-shutdown frame is an intentional
// exception to "refuses further Post after terminate").
func (t *Subprocess) rawSendUnlocked(f Frame) error {
	buf := t.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer t.bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(f); err != nil {
		return err
	}
	_, err := t.in.Write(buf.Bytes())
	return err
}
