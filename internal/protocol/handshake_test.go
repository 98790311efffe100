package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/danmuck/jobrelay/internal/testutil/testlog"
)

func TestParseHandshakeAfterBanner(t *testing.T) {
	testlog.Start(t)
	out := "Welcome to cluster\nHOST:--n1--\nPORT:--5001--\n"
	ep, ok := ParseHandshake(out)
	if !ok {
		t.Fatalf("expected handshake")
	}
	if ep.Host != "n1" || ep.Port != 5001 {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
}

func TestParseHandshakeEmptyHost(t *testing.T) {
	testlog.Start(t)
	ep, ok := ParseHandshake("HOST:----\nPORT:--6000--\n")
	if !ok || ep.Host != "" || ep.Port != 6000 {
		t.Fatalf("ep=%+v ok=%v", ep, ok)
	}
	if got := ep.Address("cluster.example"); got != "cluster.example:6000" {
		t.Fatalf("address=%q", got)
	}
}

func TestParseHandshakePartialInput(t *testing.T) {
	testlog.Start(t)
	for _, text := range []string{
		"",
		"HOST:--n1--\n",
		"PORT:--5001--\n",
		"HOST:--n1\nPORT:--50",
		"HOST:--n1--\nPORT:--notaport--\n",
	} {
		if ep, ok := ParseHandshake(text); ok {
			t.Fatalf("text %q parsed unexpectedly as %+v", text, ep)
		}
	}
}

func TestWriteHandshakeThenScan(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	buf.WriteString("module load python\n")
	if err := WriteHandshake(&buf, Endpoint{Host: "node7", Port: 5123}); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf.WriteString("trailing noise\n")

	var seen []string
	ep, ok := ScanHandshake(strings.NewReader(buf.String()), func(line string) {
		seen = append(seen, line)
	})
	if !ok || ep.Host != "node7" || ep.Port != 5123 {
		t.Fatalf("ep=%+v ok=%v", ep, ok)
	}
	if len(seen) != 3 {
		t.Fatalf("scan should stop after port line, saw %d lines", len(seen))
	}
}
