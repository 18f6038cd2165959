package encoder

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// connectionFailures are stderr fragments that mean the encoder has lost
// its outbound connection even if it keeps running.
var connectionFailures = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"failed to connect",
	"connection timed out",
	"server disconnected",
	"connection lost",
}

func isConnectionFailure(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range connectionFailures {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// monitorStderr logs encoder output and kills the process when it reports
// a dead outbound connection.
func (p *execProcess) monitorStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.tail = line
		p.mu.Unlock()

		p.log.Debug("encoder output", "line", line)
		if isConnectionFailure(line) {
			p.fail(fmt.Errorf("%w: %s", ErrConnectionLost, line))
		}
	}
	// drain anything past an over-long line so the process never blocks on stderr
	_, _ = io.Copy(io.Discard, r)
}
