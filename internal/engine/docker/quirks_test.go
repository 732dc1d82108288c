package docker

import "testing"

func TestIsNameInUse(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		cont string
		want bool
	}{
		{
			"docker collision",
			`Error response from daemon: Conflict. The container name "/ws-user-7" is already in use by container "abc"`,
			"ws-user-7",
			true,
		},
		{
			"podman collision",
			`Error: creating container storage: the container name "ws-user-7" is already in use by 123`,
			"ws-user-7",
			true,
		},
		{"different name", `name "ws-user-9" is already in use`, "ws-user-7", false},
		{"unrelated error", "no such image", "ws-user-7", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNameInUse(tt.msg, tt.cont); got != tt.want {
				t.Errorf("IsNameInUse(%q, %q) = %v, want %v", tt.msg, tt.cont, got, tt.want)
			}
		})
	}
}

func TestIsBrokenContainer(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		exitCode int
		want     bool
	}{
		{"inspect exit -1", "", -1, true},
		{"conmon gone", "conmon exited with error", 0, true},
		{"libpod internals", "Error: libpod: container state improper", 137, true},
		{"missing exit file", "unable to read exit file: no such file", 0, true},
		{"clean exit", "", 0, false},
		{"ordinary failure", "command not found", 127, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBrokenContainer(tt.msg, tt.exitCode); got != tt.want {
				t.Errorf("IsBrokenContainer(%q, %d) = %v, want %v", tt.msg, tt.exitCode, got, tt.want)
			}
		})
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{"single line", "RUNNING", "RUNNING"},
		{"trailing newline", "RUNNING\n", "RUNNING"},
		{"multi line", "pulling image\ndone\nRUNNING\n", "RUNNING"},
		{"podman noise only", "Emulate Docker CLI using podman.\n", ""},
		{"noise then value", "Emulate Docker CLI using podman.\nRUNNING\n", "RUNNING"},
		{"value then trailing noise", "RUNNING\nEmulate Docker CLI using podman.\n", "RUNNING"},
		{"blank lines", "\n\nvalue\n\n  \n", "value"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LastNonEmptyLine(tt.out); got != tt.want {
				t.Errorf("LastNonEmptyLine(%q) = %q, want %q", tt.out, got, tt.want)
			}
		})
	}
}
