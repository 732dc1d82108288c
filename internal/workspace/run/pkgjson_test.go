package run

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/wsforge/wsforge/internal/common/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFindProjectAtRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), `{"name":"app","scripts":{"dev":"vite"}}`)

	pr, err := FindProject(dir)
	if err != nil {
		t.Fatalf("FindProject: %v", err)
	}
	if pr.RelDir != "." {
		t.Errorf("RelDir = %q, want .", pr.RelDir)
	}
	if pr.Pkg.Scripts["dev"] != "vite" {
		t.Errorf("scripts = %v", pr.Pkg.Scripts)
	}
}

func TestFindProjectNested(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "client", "package.json"), `{"name":"client"}`)

	pr, err := FindProject(dir)
	if err != nil {
		t.Fatalf("FindProject: %v", err)
	}
	if pr.RelDir != "client" {
		t.Errorf("RelDir = %q, want client", pr.RelDir)
	}
}

func TestFindProjectDepthTwo(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "packages", "web", "package.json"), `{"name":"web"}`)

	pr, err := FindProject(dir)
	if err != nil {
		t.Fatalf("FindProject: %v", err)
	}
	if pr.RelDir != filepath.Join("packages", "web") {
		t.Errorf("RelDir = %q, want packages/web", pr.RelDir)
	}
}

func TestFindProjectSkipsHeavyDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "node_modules", "dep", "package.json"), `{"name":"dep"}`)
	writeFile(t, filepath.Join(dir, "dist", "package.json"), `{"name":"dist"}`)

	if _, err := FindProject(dir); !apperrors.IsPreconditionMissing(err) {
		t.Errorf("err = %v, want PRECONDITION_MISSING", err)
	}
}

func TestFindProjectMissingAppDir(t *testing.T) {
	if _, err := FindProject(filepath.Join(t.TempDir(), "nope")); !apperrors.IsPreconditionMissing(err) {
		t.Errorf("err = %v, want PRECONDITION_MISSING", err)
	}
}

func TestFindProjectNeverCreatesDir(t *testing.T) {
	parent := t.TempDir()
	missing := filepath.Join(parent, "123")

	_, _ = FindProject(missing)
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("FindProject created the app directory")
	}
}

func TestContainerDir(t *testing.T) {
	tests := []struct {
		rel  string
		want string
	}{
		{".", "/workspace/apps/9"},
		{"", "/workspace/apps/9"},
		{"client", "/workspace/apps/9/client"},
	}
	for _, tt := range tests {
		pr := Project{RelDir: tt.rel}
		if got := pr.ContainerDir(9); got != tt.want {
			t.Errorf("ContainerDir(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}

func TestPlanStartSelectionOrder(t *testing.T) {
	tests := []struct {
		name        string
		scripts     map[string]string
		wantScript  string
		wantServer  bool
	}{
		{
			"start wins",
			map[string]string{"start": "node server.js", "dev": "vite"},
			"start", true,
		},
		{
			"preview next",
			map[string]string{"preview": "vite preview", "dev": "vite"},
			"preview", false,
		},
		{
			"dev next",
			map[string]string{"dev": "vite", "server": "node s.js"},
			"dev", false,
		},
		{
			"server last",
			map[string]string{"server": "node s.js"},
			"server", true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanStart(PackageJSON{Scripts: tt.scripts})
			if err != nil {
				t.Fatalf("PlanStart: %v", err)
			}
			if plan.ScriptName != tt.wantScript {
				t.Errorf("script = %q, want %q", plan.ScriptName, tt.wantScript)
			}
			if plan.ServerClass != tt.wantServer {
				t.Errorf("serverClass = %v, want %v", plan.ServerClass, tt.wantServer)
			}
		})
	}
}

func TestPlanStartNoScript(t *testing.T) {
	_, err := PlanStart(PackageJSON{Scripts: map[string]string{"test": "jest"}})
	if !apperrors.IsPreconditionMissing(err) {
		t.Errorf("err = %v, want PRECONDITION_MISSING", err)
	}
}

func TestPlanStartConcurrentlySplit(t *testing.T) {
	pkg := PackageJSON{Scripts: map[string]string{
		"start":      `concurrently "npm:dev:server" "npm:dev:client"`,
		"dev:client": "vite --open",
		"dev:server": "node server.js",
	}}

	plan, err := PlanStart(pkg)
	if err != nil {
		t.Fatalf("PlanStart: %v", err)
	}
	if !plan.Split() {
		t.Fatal("plan not split")
	}
	if plan.ClientCommand != "vite --open" {
		t.Errorf("client = %q, want the raw vite command", plan.ClientCommand)
	}
	if plan.ServerCommand != "npm run dev:server" {
		t.Errorf("server = %q, want npm run dev:server", plan.ServerCommand)
	}
	if plan.ServerClass {
		t.Error("split plan must not be server-class")
	}
}

func TestPlanStartConcurrentlyWithoutClient(t *testing.T) {
	pkg := PackageJSON{Scripts: map[string]string{
		"start": `concurrently "npm:lint" "npm:typecheck"`,
	}}

	plan, err := PlanStart(pkg)
	if err != nil {
		t.Fatalf("PlanStart: %v", err)
	}
	if plan.Split() {
		t.Error("plan split without a vite-bearing child")
	}
}

func TestIsViteCommand(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"vite", true},
		{"vite --port 3000", true},
		{"node_modules/.bin/vite dev", true},
		{"next dev", false},
		{"node server.js", false},
		{"vitest run", false},
	}
	for _, tt := range tests {
		if got := IsViteCommand(tt.cmd); got != tt.want {
			t.Errorf("IsViteCommand(%q) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}
