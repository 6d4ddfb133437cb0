package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// CommandError is a final ERROR or +CME ERROR result.
type CommandError struct {
	Command string
	Result  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Result)
}

// session runs one AT command at a time over a port.
type session struct {
	port Port

	mu  sync.Mutex
	buf []byte
}

func newSession(port Port) *session {
	return &session{port: port}
}

// Command writes cmd and collects the information lines up to the final result code.
// The command echo and blank lines are skipped.
func (s *session) Command(ctx context.Context, cmd string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = s.buf[:0]
	if err := writeFull(ctx, s.port, []byte(cmd+"\r")); err != nil {
		return nil, fmt.Errorf("write %s: %w", cmd, err)
	}

	var lines []string
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", cmd, err)
		}
		switch {
		case line == "", line == cmd:
			continue
		case line == "OK":
			return lines, nil
		case line == "ERROR", strings.HasPrefix(line, "+CME ERROR"), strings.HasPrefix(line, "+CMS ERROR"):
			return nil, &CommandError{Command: cmd, Result: line}
		default:
			lines = append(lines, line)
		}
	}
}

func (s *session) readLine(ctx context.Context) (string, error) {
	chunk := make([]byte, 256)
	for {
		if i := indexLineEnd(s.buf); i >= 0 {
			line := strings.TrimSpace(string(s.buf[:i]))
			s.buf = s.buf[i+1:]
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := s.port.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				continue
			}
			return "", err
		}
	}
}

func indexLineEnd(b []byte) int {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return i
		}
	}

	return -1
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		written += n
	}

	return nil
}
