package diagnostics

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSampleEmitsProcessSnapshot(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := pslog.NewStructured(&buf)

	NewSampler(logger).Sample(context.Background())

	out := buf.String()
	if !strings.Contains(out, "diag.process") {
		t.Fatalf("no process snapshot logged:\n%s", out)
	}
	if !strings.Contains(out, "goroutines") {
		t.Fatalf("process snapshot missing runtime fields:\n%s", out)
	}
}
