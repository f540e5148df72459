package term

import "testing"

func TestIsTerminalOnNonTTYStdin(t *testing.T) {
	// Under `go test`, fd 0 is normally not a terminal.
	if IsTerminal() {
		t.Skip("stdin is a terminal in this environment, nothing to assert")
	}
}
