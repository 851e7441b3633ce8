package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

// maxPartialLine bounds how much of an unterminated line is held back.
const maxPartialLine = 1024 * 1024

// LogInterceptor prefixes every line written through it with a sequence
// number and a timestamp. Partial lines are held until their newline
// arrives or Close is called.
type LogInterceptor struct {
	mu      sync.Mutex
	target  io.Writer
	seq     uint64
	partial []byte
	now     func() time.Time
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target, now: time.Now}
}

func (i *LogInterceptor) writeLine(line []byte) error {
	i.seq++
	prefix := slog.Uint64("line", i.seq).String() + " " +
		slog.String("time", i.now().Format(time.RFC3339)).String() + " "
	if _, err := io.WriteString(i.target, prefix); err != nil {
		return err
	}
	_, err := i.target.Write(line)
	return err
}

// Write reports len(p) on success so callers such as slog handlers see a
// complete write.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	data := p
	if len(i.partial) > 0 {
		data = append(i.partial, p...)
		i.partial = nil
	}

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		if err := i.writeLine(data[:idx+1]); err != nil {
			return 0, err
		}
		data = data[idx+1:]
	}

	if len(data) > 0 {
		if len(data) >= maxPartialLine {
			if err := i.writeLine(append(data, '\n')); err != nil {
				return 0, err
			}
		} else {
			i.partial = append([]byte(nil), data...)
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.partial) == 0 {
		return nil
	}
	line := append(i.partial, '\n')
	i.partial = nil
	return i.writeLine(line)
}
