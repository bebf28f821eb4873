package gate

import (
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
)

// protectedPaths may never be targeted by a writable bind-mount.
var protectedPaths = []string{"/", "/etc", "/var", "/usr", "/bin", "/root"}

// dangerousCaps may never be added via --cap-add.
var dangerousCaps = map[string]bool{
	"ALL":        true,
	"SYS_ADMIN":  true,
	"SYS_PTRACE": true,
	"SYS_RAWIO":  true,
	"NET_ADMIN":  true,
}

// dockerSocketPaths are rejected as bind-mount sources regardless of mode.
var dockerSocketPaths = []string{"/var/run/docker.sock", "/run/docker.sock"}

// ValidateHostConfig rejects the dangerous container options named in the
// Docker parameter validator: privileged mode, dangerous capability
// additions, host PID/network namespace sharing, any mount of the Docker
// socket, and any writable bind-mount of a protected system path.
// Read-only bind-mounts of specific files under a protected path are
// permitted — only the writable, whole-directory case is rejected.
func ValidateHostConfig(hc *container.HostConfig) (ok bool, reason string) {
	if hc == nil {
		return true, ""
	}

	if hc.Privileged {
		return false, "privileged containers are not permitted"
	}

	for _, capAdd := range hc.CapAdd {
		if dangerousCaps[strings.ToUpper(string(capAdd))] {
			return false, fmt.Sprintf("capability %q is not permitted", capAdd)
		}
	}

	if hc.PidMode.IsHost() {
		return false, "host PID namespace is not permitted"
	}
	if hc.NetworkMode.IsHost() {
		return false, "host network namespace is not permitted"
	}

	for _, b := range hc.Binds {
		src, _, mode := parseBind(b)
		if isDockerSocket(src) {
			return false, "mounting the Docker socket is not permitted"
		}
		if isProtectedPath(src) && !isReadOnly(mode) {
			return false, fmt.Sprintf("writable bind-mount of protected path %q is not permitted", src)
		}
	}

	for _, m := range hc.Mounts {
		if isDockerSocket(m.Source) {
			return false, "mounting the Docker socket is not permitted"
		}
		if isProtectedPath(m.Source) && !isReadOnlyMount(m) {
			return false, fmt.Sprintf("writable bind-mount of protected path %q is not permitted", m.Source)
		}
	}

	return true, ""
}

// parseBind splits a Docker-style "-v" bind spec: "host:container[:mode]".
func parseBind(b string) (src, dst, mode string) {
	parts := strings.Split(b, ":")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], ""
	case 3:
		return parts[0], parts[1], parts[2]
	default:
		return b, "", ""
	}
}

func isReadOnly(mode string) bool {
	for _, flag := range strings.Split(mode, ",") {
		if flag == "ro" {
			return true
		}
	}
	return false
}

func isReadOnlyMount(m mount.Mount) bool {
	return m.ReadOnly
}

func isDockerSocket(path string) bool {
	for _, s := range dockerSocketPaths {
		if path == s {
			return true
		}
	}
	return false
}

// isProtectedPath reports whether path is exactly one of the protected
// system roots — a bind-mount of a specific file under one of these roots
// (e.g. "/etc/myapp/config.yaml") is not considered protected by this
// check, matching the "narrowly-scoped file reads" carve-out the command
// allowlist already makes.
func isProtectedPath(path string) bool {
	cleaned := strings.TrimRight(path, "/")
	if cleaned == "" {
		cleaned = "/"
	}
	for _, p := range protectedPaths {
		if cleaned == p {
			return true
		}
	}
	return false
}
