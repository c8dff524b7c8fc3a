package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func TestSetLoggerCapturesOutput(t *testing.T) {
	defer SetLogger(nil)

	var lines []string
	SetLogger(func(format string, v ...any) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	Logf("[lifecycle] scan %s created", "scan-1")
	if len(lines) != 1 || !strings.Contains(lines[0], "[lifecycle] scan scan-1 created") {
		t.Fatalf("captured = %v", lines)
	}
}

func TestSetLoggerNilMutes(t *testing.T) {
	SetLogger(nil)
	// Must not panic and must not reach a real logger.
	Logf("[capture] dropped %d frames", 3)
}
