package proxy

// isProtocolMessage decides whether a parsed JSON-RPC message is protocol
// control, which the proxy forwards without rewriting. Handshake messages
// carry capability keys; requests and error responses are control; result
// responses are control unless the result holds a "content" field, which
// marks tool output that may contain user data. Non-object roots are
// payload.
func isProtocolMessage(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}

	for _, key := range []string{"protocolVersion", "capabilities", "serverInfo", "clientInfo"} {
		if _, ok := obj[key]; ok {
			return true
		}
	}

	_, hasID := obj["id"]
	if !hasID {
		return false
	}
	if _, ok := obj["method"]; ok {
		return true
	}
	if _, ok := obj["error"]; ok {
		return true
	}
	if result, ok := obj["result"]; ok {
		if resultObj, ok := result.(map[string]any); ok {
			if _, hasContent := resultObj["content"]; hasContent {
				return false
			}
		}
		return true
	}
	return false
}
