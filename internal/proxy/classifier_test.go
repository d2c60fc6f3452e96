package proxy

import (
	"encoding/json"
	"testing"
)

func parse(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return v
}

func TestClassifierProtocolMessages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"initialize request", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`},
		{"capabilities key", `{"capabilities":{"tools":{}}}`},
		{"serverInfo key", `{"serverInfo":{"name":"srv","version":"1.0"}}`},
		{"clientInfo key", `{"clientInfo":{"name":"cli"}}`},
		{"method with id", `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`},
		{"error response", `{"jsonrpc":"2.0","id":5,"error":{"code":-32600,"message":"oops"}}`},
		{"plain result", `{"jsonrpc":"2.0","id":5,"result":{"tools":[]}}`},
	}
	for _, c := range cases {
		if !isProtocolMessage(parse(t, c.raw)) {
			t.Errorf("%s classified as payload", c.name)
		}
	}
}

func TestClassifierPayloadMessages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"result with content", `{"jsonrpc":"2.0","id":5,"result":{"content":[{"type":"text","text":"mail john@example.com"}]}}`},
		{"method without id", `{"jsonrpc":"2.0","method":"notifications/message","params":{"msg":"hi"}}`},
		{"bare object", `{"msg":"mail john@example.com"}`},
		{"array root", `[1,2,3]`},
		{"string root", `"just a string"`},
		{"number root", `42`},
		{"error without id", `{"error":{"code":1}}`},
		{"result without id", `{"result":{"x":1}}`},
	}
	for _, c := range cases {
		if isProtocolMessage(parse(t, c.raw)) {
			t.Errorf("%s classified as protocol", c.name)
		}
	}
}
