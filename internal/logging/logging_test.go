package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(orig) })
	fn()
	return buf.String()
}

func TestDebugfGatedByVerbose(t *testing.T) {
	quiet := New(false)
	out := captureLog(t, func() { quiet.Debugf("hidden %d", 1) })
	if out != "" {
		t.Fatalf("Debugf with Verbose=false produced output: %q", out)
	}

	loud := New(true)
	out = captureLog(t, func() { loud.Debugf("shown %d", 1) })
	if !strings.Contains(out, "[debug] shown 1") {
		t.Fatalf("Debugf output = %q, want it to contain \"[debug] shown 1\"", out)
	}
}

func TestWarnfAndErrorfAlwaysLog(t *testing.T) {
	l := New(false)

	out := captureLog(t, func() { l.Warnf("careful %s", "now") })
	if !strings.Contains(out, "[warn] careful now") {
		t.Fatalf("Warnf output = %q", out)
	}

	out = captureLog(t, func() { l.Errorf("broke %s", "it") })
	if !strings.Contains(out, "[error] broke it") {
		t.Fatalf("Errorf output = %q", out)
	}
}
