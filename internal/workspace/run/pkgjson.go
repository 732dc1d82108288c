package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/wsforge/wsforge/internal/common/errors"
)

// PackageJSON is the subset of package.json the engine cares about.
type PackageJSON struct {
	Name    string            `json:"name"`
	Scripts map[string]string `json:"scripts"`
}

// Project is a located npm project inside an app directory.
type Project struct {
	// RelDir is the package.json directory relative to the app root,
	// "." when it sits at the root.
	RelDir string
	Pkg    PackageJSON
}

// ContainerDir returns the project directory inside the container.
func (pr Project) ContainerDir(appID int64) string {
	dir := fmt.Sprintf("%s/%d", ContainerAppsDir, appID)
	if pr.RelDir != "." && pr.RelDir != "" {
		dir += "/" + filepath.ToSlash(pr.RelDir)
	}
	return dir
}

// Directories never descended into while locating package.json.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	".cache":       true,
}

// FindProject locates the project's package.json, checking the app root
// first and then subdirectories up to two levels deep. The app directory
// must already exist; a launch never creates it.
func FindProject(appDir string) (*Project, error) {
	if _, err := os.Stat(appDir); err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.PreconditionMissing("app directory does not exist")
		}
		return nil, fmt.Errorf("stat app dir: %w", err)
	}

	if pkg, ok := readPackageJSON(filepath.Join(appDir, "package.json")); ok {
		return &Project{RelDir: ".", Pkg: pkg}, nil
	}

	var candidates []string
	walk := func(rel string) {
		entries, err := os.ReadDir(filepath.Join(appDir, rel))
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() || skipDirs[e.Name()] || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			sub := filepath.Join(rel, e.Name())
			if _, err := os.Stat(filepath.Join(appDir, sub, "package.json")); err == nil {
				candidates = append(candidates, sub)
			}
		}
	}
	walk(".")
	if len(candidates) == 0 {
		entries, _ := os.ReadDir(appDir)
		for _, e := range entries {
			if e.IsDir() && !skipDirs[e.Name()] && !strings.HasPrefix(e.Name(), ".") {
				walk(e.Name())
			}
		}
	}
	if len(candidates) == 0 {
		return nil, apperrors.PreconditionMissing("no package.json found in app directory")
	}

	// Shallowest first, then lexical, so the choice is deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		di := strings.Count(candidates[i], string(filepath.Separator))
		dj := strings.Count(candidates[j], string(filepath.Separator))
		if di != dj {
			return di < dj
		}
		return candidates[i] < candidates[j]
	})

	pkg, ok := readPackageJSON(filepath.Join(appDir, candidates[0], "package.json"))
	if !ok {
		return nil, apperrors.PreconditionMissing("package.json is not valid JSON")
	}
	return &Project{RelDir: filepath.ToSlash(candidates[0]), Pkg: pkg}, nil
}

func readPackageJSON(path string) (PackageJSON, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PackageJSON{}, false
	}
	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return PackageJSON{}, false
	}
	return pkg, true
}

// StartPlan is the resolved command plan for a START task.
type StartPlan struct {
	// ScriptName is the selected package.json script.
	ScriptName string
	// Command is the script's raw command line.
	Command string
	// ServerClass marks backend-style scripts that get PORT/HOST/NODE_ENV
	// instead of vite CLI flags.
	ServerClass bool
	// ClientCommand and ServerCommand are set when the script is a
	// concurrently wrapper that was split into its children.
	ClientCommand string
	ServerCommand string
}

// Split reports whether the plan runs two split concurrently children.
func (sp StartPlan) Split() bool { return sp.ClientCommand != "" }

// startScriptOrder is the preference order for START.
var startScriptOrder = []string{"start", "preview", "dev", "server"}

// PlanStart selects the script a START task runs and how.
func PlanStart(pkg PackageJSON) (*StartPlan, error) {
	var name string
	for _, candidate := range startScriptOrder {
		if _, ok := pkg.Scripts[candidate]; ok {
			name = candidate
			break
		}
	}
	if name == "" {
		return nil, apperrors.PreconditionMissing("package.json has no start, preview, dev or server script")
	}

	plan := &StartPlan{
		ScriptName:  name,
		Command:     pkg.Scripts[name],
		ServerClass: name == "start" || name == "server",
	}

	if strings.Contains(plan.Command, "concurrently") {
		client, server := splitConcurrently(plan.Command, pkg.Scripts)
		if client != "" {
			plan.ClientCommand = client
			plan.ServerCommand = server
			plan.ServerClass = false
		}
	}
	return plan, nil
}

// IsViteCommand reports whether a script command runs vite directly, which
// means vite CLI flags (base, host, port) can be appended.
func IsViteCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	for _, f := range fields {
		if f == "vite" || strings.HasSuffix(f, "/vite") {
			return true
		}
	}
	return false
}

// splitConcurrently pulls the vite-bearing child out of a concurrently
// wrapper so it can receive CLI flags, returning it plus the remaining
// sibling command (empty when there is none). Children are the quoted
// arguments; "npm:x" references resolve through scripts.
func splitConcurrently(cmd string, scripts map[string]string) (client, server string) {
	children := quotedArgs(cmd)
	if len(children) == 0 {
		return "", ""
	}

	resolve := func(child string) (run, raw string) {
		if name, ok := strings.CutPrefix(child, "npm:"); ok {
			return "npm run " + name, scripts[name]
		}
		return child, child
	}

	var rest []string
	for _, child := range children {
		run, raw := resolve(child)
		if client == "" && (IsViteCommand(raw) || strings.Contains(child, "client")) {
			// Run the resolved raw command when it is vite so flags can
			// be appended; an npm-run indirection would swallow them.
			if raw != "" && IsViteCommand(raw) {
				client = raw
			} else {
				client = run
			}
			continue
		}
		rest = append(rest, run)
	}
	if client == "" {
		return "", ""
	}
	return client, strings.Join(rest, " & ")
}

// quotedArgs extracts single- or double-quoted arguments from a command
// line.
func quotedArgs(cmd string) []string {
	var args []string
	var buf strings.Builder
	var quote byte
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote != 0 && c == quote:
			if buf.Len() > 0 {
				args = append(args, buf.String())
				buf.Reset()
			}
			quote = 0
		case quote != 0:
			buf.WriteByte(c)
		}
	}
	return args
}
