package agent

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
)

// stderrRingLines bounds how much subprocess stderr is retained for
// error reporting.
const stderrRingLines = 200

// stderrBuffer captures the subprocess's stderr into a bounded ring of
// lines. Non-empty lines are also logged at debug level.
type stderrBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newStderrBuffer() *stderrBuffer {
	return &stderrBuffer{lines: make([]string, stderrRingLines)}
}

// consume reads r to EOF. Run in its own goroutine.
func (b *stderrBuffer) consume(r io.Reader, log *logger.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		log.Debug("agent stderr", zap.String("line", line))
		b.append(line)
	}
}

func (b *stderrBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// String returns the captured lines in arrival order.
func (b *stderrBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	if b.full {
		out = append(out, b.lines[b.next:]...)
	}
	out = append(out, b.lines[:b.next]...)
	return strings.Join(out, "\n")
}
