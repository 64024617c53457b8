package console

import (
	"bufio"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/net/websocket"
)

func TestServeWSDispatchesCommands(t *testing.T) {
	c := New("ithildind$ ")
	c.Register(&Command{Name: "PING", HelpShort: "ping", Call: func(args []string) (string, error) {
		return "PONG", nil
	}})

	srv := httptest.NewServer(c.ServeWS())
	defer srv.Close()

	url := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	reader := bufio.NewReader(ws)

	// Drain the initial prompt (no trailing newline), then issue a
	// command and read up to and including its reply line.
	if _, err := reader.ReadString('$'); err != nil {
		t.Fatalf("read prompt: %v", err)
	}

	if _, err := ws.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.Contains(reply, "PONG") {
		t.Fatalf("expected reply to contain PONG, got %q", reply)
	}
}
