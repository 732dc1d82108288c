package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/wsforge/wsforge/internal/common/config"
)

// scriptParams carries everything the shell generators need. All values
// are engine-controlled; nothing user-typed reaches a script unquoted.
type scriptParams struct {
	UserID        int64
	AppID         int64
	Type          TaskType
	ProjectDir    string // container-side package.json directory
	LogPath       string // container-side log file
	ContainerPort int
	CacheMode     string
	CacheCapMB    int
	Registry      string
	Start         *StartPlan // START only
	ViteDev       bool       // DEV only: dev script runs vite
}

func (p scriptParams) basePath() string {
	return fmt.Sprintf("/ws/%d/", p.UserID)
}

// launcherScript is the outer script executed via container exec. It holds
// the pid-file mutex, seeds current.json, detaches the inner script into
// its own session and reports LAUNCHED:<state> or exits 42.
func launcherScript(p scriptParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, `set -u
RUN_DIR=%s
PID_FILE="$RUN_DIR/%s"
if [ -f "$PID_FILE" ]; then
  pid=$(cat "$PID_FILE" 2>/dev/null || true)
  if [ -n "$pid" ] && kill -0 "$pid" 2>/dev/null; then
    exit %d
  fi
  rm -f "$PID_FILE"
fi
cat > "$RUN_DIR/%s.tmp" <<METAEOF
{
  "appId": %d,
  "type": "%s",
  "pid": null,
  "startedAt": $(date +%%s),
  "finishedAt": null,
  "exitCode": null,
  "logPath": "%s"
}
METAEOF
mv "$RUN_DIR/%s.tmp" "$RUN_DIR/%s"
: > "%s"
setsid bash "$RUN_DIR/%s" >> "%s" 2>&1 &
echo $! > "$PID_FILE"
echo "%s%s"
`,
		ContainerRunDir, PidFileName,
		ExitCodeAlreadyRunning,
		MetaFileName,
		p.AppID, p.Type, p.LogPath,
		MetaFileName, MetaFileName,
		p.LogPath,
		InnerScript, p.LogPath,
		launchedPrefix, p.Type.InitialState(),
	)
	return b.String()
}

// innerScript is managed-start.sh: the detached per-task body. It is
// written to the host run directory before the launcher runs, so the
// container sees it through the bind mount.
func innerScript(p scriptParams) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -u\n")
	fmt.Fprintf(&b, "RUN_DIR=%s\n", ContainerRunDir)
	fmt.Fprintf(&b, "META=\"$RUN_DIR/%s\"\n", MetaFileName)
	fmt.Fprintf(&b, "APP_DIR=%q\n", p.ProjectDir)
	b.WriteString(`cd "$APP_DIR" || exit 2
export HOME="${HOME:-/root}"
`)
	b.WriteString(metaHelper)
	b.WriteString(psShim)
	writeCacheSetup(&b, p)

	fmt.Fprintf(&b, "set_meta pid \"$$\"\n")

	if p.Type.LongRunning() {
		b.WriteString(portTakeover)
		fmt.Fprintf(&b, "free_port %d\n", p.ContainerPort)
	}

	switch p.Type {
	case TaskDev:
		writeDevBody(&b, p)
	case TaskStart:
		writeStartBody(&b, p)
	case TaskBuild:
		writeBuildBody(&b)
	case TaskInstall:
		writeInstallBody(&b, p)
	}

	b.WriteString(finishEpilogue)
	return b.String()
}

// metaHelper updates current.json in place. Keys and values come in
// pairs; numeric-looking values become numbers, "null" becomes null.
// node is always available: the images this agent manages run npm tasks.
const metaHelper = `set_meta() {
  node -e '
    const fs = require("fs");
    const path = process.argv[1];
    let m = {};
    try { m = JSON.parse(fs.readFileSync(path, "utf8")); } catch (e) {}
    for (let i = 2; i + 1 < process.argv.length; i += 2) {
      const v = process.argv[i + 1];
      m[process.argv[i]] = v === "null" ? null : (/^-?[0-9]+$/.test(v) ? Number(v) : v);
    }
    fs.writeFileSync(path + ".tmp", JSON.stringify(m, null, 2));
    fs.renameSync(path + ".tmp", path);
  ' "$META" "$@"
}
`

// psShim installs a minimal ps replacement when the image has none.
// concurrently needs "ps -o pid --no-headers --ppid <PPID>" to reap its
// children.
const psShim = `if ! command -v ps >/dev/null 2>&1; then
  mkdir -p "$RUN_DIR/bin"
  cat > "$RUN_DIR/bin/ps" <<'PSEOF'
#!/bin/bash
want=""
while [ $# -gt 0 ]; do
  case "$1" in
    --ppid) want="$2"; shift 2 ;;
    *) shift ;;
  esac
done
for st in /proc/[0-9]*/status; do
  pid="${st#/proc/}"; pid="${pid%/status}"
  ppid=$(awk '/^PPid:/{print $2}' "$st" 2>/dev/null)
  if [ -z "$want" ] || [ "$ppid" = "$want" ]; then
    echo "$pid"
  fi
done
PSEOF
  chmod +x "$RUN_DIR/bin/ps"
fi
export PATH="$RUN_DIR/bin:$PATH"
`

// portTakeover kills whatever currently listens on the target port. The
// listener's socket inode comes from /proc/net/tcp[6]; its owner from the
// /proc/*/fd symlinks.
const portTakeover = `free_port() {
  port=$1
  hexport=$(printf '%04X' "$port")
  inodes=$(awk -v p=":$hexport" '$2 ~ p && $4 == "0A" {print $10}' /proc/net/tcp /proc/net/tcp6 2>/dev/null)
  [ -z "$inodes" ] && return 0
  for inode in $inodes; do
    for fd in /proc/[0-9]*/fd/*; do
      if [ "$(readlink "$fd" 2>/dev/null)" = "socket:[$inode]" ]; then
        holder="${fd#/proc/}"
        holder="${holder%%/*}"
        [ "$holder" = "$$" ] && continue
        kill -TERM "$holder" 2>/dev/null || true
        sleep 1
        kill -KILL "$holder" 2>/dev/null || true
      fi
    done
  done
  return 0
}
`

// finishEpilogue records the task outcome and releases the pid-file
// mutex. $rc is set by each task body.
const finishEpilogue = `set_meta exitCode "$rc" finishedAt "$(date +%s)"
rm -f "$RUN_DIR/` + PidFileName + `"
exit "$rc"
`

func writeCacheSetup(b *strings.Builder, p scriptParams) {
	switch p.CacheMode {
	case config.NpmCacheApp:
		b.WriteString("export npm_config_cache=\"$APP_DIR/.npm-cache\"\n")
	case config.NpmCacheDisabled:
		b.WriteString("export npm_config_cache=\"/tmp/npm-cache-$$\"\n")
		b.WriteString("trap 'rm -rf \"$npm_config_cache\"' EXIT\n")
	default:
		return
	}
	if p.CacheCapMB > 0 {
		fmt.Fprintf(b, `if [ -d "$npm_config_cache" ]; then
  used=$(du -sm "$npm_config_cache" 2>/dev/null | cut -f1)
  if [ -n "${used:-}" ] && [ "$used" -gt %d ]; then
    rm -rf "$npm_config_cache/_cacache" "$npm_config_cache/_logs" 2>/dev/null || true
  fi
fi
`, p.CacheCapMB)
	}
}

// viteFlags are appended after "--" for npm-run indirection or directly
// for raw vite commands.
func viteFlags(p scriptParams, base string) string {
	return fmt.Sprintf("--host 0.0.0.0 --port %d --strictPort --base %s", p.ContainerPort, base)
}

func writeDevBody(b *strings.Builder, p scriptParams) {
	if p.ViteDev {
		fmt.Fprintf(b, "npm run dev -- %s &\n", viteFlags(p, p.basePath()))
	} else {
		b.WriteString("npm run dev &\n")
	}
	b.WriteString(waitOnChild)
}

func writeStartBody(b *strings.Builder, p scriptParams) {
	plan := p.Start
	switch {
	case plan.Split():
		// concurrently wrapper: sibling server in the background, the
		// vite child in the foreground slot so it owns the meta pid.
		fmt.Fprintf(b, "export BASE_PATH=%q\n", p.basePath())
		if plan.ServerCommand != "" {
			fmt.Fprintf(b, "( %s ) &\n", plan.ServerCommand)
		}
		fmt.Fprintf(b, "%s %s &\n", plan.ClientCommand, viteFlags(p, p.basePath()))
	case plan.ServerClass:
		fmt.Fprintf(b, "export PORT=%d\n", p.ContainerPort)
		b.WriteString("export HOST=0.0.0.0\n")
		b.WriteString("export NODE_ENV=production\n")
		b.WriteString("export BASE_PATH=/\n")
		fmt.Fprintf(b, "npm run %s &\n", plan.ScriptName)
	default:
		fmt.Fprintf(b, "export BASE_PATH=%q\n", p.basePath())
		if IsViteCommand(plan.Command) {
			fmt.Fprintf(b, "npm run %s -- %s &\n", plan.ScriptName, viteFlags(p, p.basePath()))
		} else {
			fmt.Fprintf(b, "npm run %s &\n", plan.ScriptName)
		}
	}
	b.WriteString(waitOnChild)
}

// waitOnChild records the long-lived child pid in the meta and blocks
// until it exits.
const waitOnChild = `CHILD=$!
set_meta pid "$CHILD"
wait "$CHILD"
rc=$?
`

func writeBuildBody(b *strings.Builder) {
	b.WriteString(`if [ ! -d node_modules ]; then
  npm install --include=dev
fi
npm run build
rc=$?
`)
}

func writeInstallBody(b *strings.Builder, p scriptParams) {
	if p.Registry != "" {
		fmt.Fprintf(b, "echo \"registry=%s\" > \"$APP_DIR/.npmrc\"\n", p.Registry)
	}
	b.WriteString(`npm install --include=dev
rc=$?
if [ "$rc" -ne 0 ]; then
  npm install --include=dev --legacy-peer-deps
  rc=$?
fi
`)
}

// stopScript tears the current run down inside the container. Idempotent:
// a missing pid file still removes the meta and exits 0.
func stopScript() string {
	return fmt.Sprintf(`set -u
RUN_DIR=%s
if [ -f "$RUN_DIR/%s" ]; then
  pid=$(cat "$RUN_DIR/%s" 2>/dev/null || true)
  if [ -n "$pid" ]; then
    kill -TERM -- "-$pid" 2>/dev/null || true
    sleep 1
    kill -KILL -- "-$pid" 2>/dev/null || true
  fi
fi
rm -f "$RUN_DIR/%s" "$RUN_DIR/%s"
exit 0
`, ContainerRunDir, PidFileName, PidFileName, PidFileName, MetaFileName)
}

// probeFiniteScript checks whether a BUILD/INSTALL pid is still alive.
func probeFiniteScript(pid int64) string {
	return fmt.Sprintf(`if kill -0 %d 2>/dev/null; then echo alive; else echo dead; fi`, pid)
}

// probeLongScript checks pid liveness, port reachability and the
// process-group id of whatever holds the port, in one round trip.
// Output is a single "alive=<0|1> port=<0|1> lpgid=<n>" line.
func probeLongScript(pid int64, port int) string {
	return fmt.Sprintf(`alive=0
kill -0 %d 2>/dev/null && alive=1
portopen=0
(exec 3<>/dev/tcp/127.0.0.1/%d) 2>/dev/null && portopen=1
lpgid=0
hexport=$(printf '%%04X' %d)
inode=$(awk -v p=":$hexport" '$2 ~ p && $4 == "0A" {print $10; exit}' /proc/net/tcp /proc/net/tcp6 2>/dev/null)
if [ -n "${inode:-}" ]; then
  for fd in /proc/[0-9]*/fd/*; do
    if [ "$(readlink "$fd" 2>/dev/null)" = "socket:[$inode]" ]; then
      lpid="${fd#/proc/}"
      lpid="${lpid%%/*}"
      lpgid=$(awk '{print $5}' "/proc/$lpid/stat" 2>/dev/null)
      break
    fi
  done
fi
echo "alive=$alive port=$portopen lpgid=${lpgid:-0}"`, pid, port, port)
}

// probeTimeout bounds every observer exec.
const probeTimeout = 10 * time.Second
