//go:build unix

package httpengine

import (
	"strings"
	"testing"

	"github.com/warpdl/warpmux/pkg/engine"
)

func TestBuildRequest(t *testing.T) {
	req, err := parseConfig(engine.Config{
		OptURL:     "http://example.com/path?x=1",
		OptHeaders: map[string]string{"X-Custom": "yes"},
	})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	got := string(buildRequest(req))

	if !strings.HasPrefix(got, "GET /path?x=1 HTTP/1.0\r\n") {
		t.Errorf("request line wrong:\n%s", got)
	}
	for _, want := range []string{
		"Host: example.com\r\n",
		"X-Custom: yes\r\n",
		"User-Agent: warpmux/" + Version + "\r\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "Connection: close\r\n\r\n") {
		t.Errorf("request not terminated with Connection: close:\n%s", got)
	}
}

func TestBuildRequestCustomUserAgent(t *testing.T) {
	req, err := parseConfig(engine.Config{
		OptURL:     "http://example.com/",
		OptHeaders: map[string]string{"User-Agent": "custom/9"},
	})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	got := string(buildRequest(req))
	if !strings.Contains(got, "User-Agent: custom/9\r\n") {
		t.Errorf("custom user agent missing:\n%s", got)
	}
	if strings.Contains(got, "warpmux/") {
		t.Errorf("default user agent not suppressed:\n%s", got)
	}
}
