package tools

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// The tool-provider wire protocol is line-delimited UTF-8 JSON over the
// child's stdin/stdout: one envelope per line, parent-assigned ids unique
// per client lifetime. A zero-length line tells the child to exit.

// methodListTools is the handshake method every provider must answer.
const methodListTools = "listTools"

type request struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is a tool-level error envelope. It does not indicate a
// transport failure and never changes connection state.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

type listToolsResult struct {
	Tools []string `json:"tools"`
}

// transport abstracts the child-process pipes so tests can substitute
// in-memory pipe pairs.
type transport interface {
	io.Writer
	Reader() io.Reader
	// Kill force-terminates the child.
	Kill() error
	// Done is closed when the child has exited.
	Done() <-chan struct{}
}

// procTransport is the production transport: one spawned child reached
// over stdin/stdout, stderr drained into the per-tool log.
type procTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan struct{}
}

// spawn launches the provider with a fixed argv and an environment
// filtered down to the variables it declared.
func spawn(command string, args, envAllow []string, stderr io.Writer) (*procTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = filterEnv(os.Environ(), envAllow)
	if stderr != nil {
		cmd.Stderr = stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	t := &procTransport{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(t.done)
	}()
	return t, nil
}

func (t *procTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }
func (t *procTransport) Reader() io.Reader           { return t.stdout }
func (t *procTransport) Done() <-chan struct{}       { return t.done }

func (t *procTransport) Kill() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// waitExit waits for the child to exit within grace, reporting whether it
// did.
func waitExit(t transport, grace time.Duration) bool {
	select {
	case <-t.Done():
		return true
	case <-time.After(grace):
		return false
	}
}

// filterEnv keeps only the allow-listed keys from the parent environment.
func filterEnv(environ, allow []string) []string {
	if len(allow) == 0 {
		return []string{}
	}
	allowed := make(map[string]struct{}, len(allow))
	for _, k := range allow {
		allowed[k] = struct{}{}
	}
	out := make([]string, 0, len(allow))
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, ok := allowed[key]; ok {
			out = append(out, kv)
		}
	}
	return out
}
