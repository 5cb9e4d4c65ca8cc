// Package vfs implements the guest-visible virtual filesystem:
// absolute-path resolution, a small set of polymorphic file objects
// (regular host-backed files, pipes, directories, event and epoll
// objects), and the per-process file descriptor table.
//
// Grounded on gvisor's pkg/sentry/vfs + pkg/sentry/fsimpl/host packages:
// a file description wraps one polymorphic inode-like object and
// carries its own offset/flags, adapted from gvisor's full VFS2
// mount/dentry graph down to a flat path table (no mount namespaces, no
// bind mounts).
package vfs

import (
	"strings"

	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
)

// Path is a normalized absolute path: "." and ".." are resolved against
// the segment stack at parse time. A path whose ".." components would
// walk above root is rejected by ParsePath rather than clamped.
type Path struct {
	segments []string
}

// Root is the normalized root path "/".
var Root = Path{}

// ParsePath normalizes raw into an absolute Path. raw must begin with
// "/"; this emulator has no per-process working-directory-relative path
// type distinct from Path. The syscall handlers do not call ParsePath:
// open and openat pass the raw path to OpenHost. A ".." that
// would ascend past root is an error (ENOENT), not a no-op clamp.
func ParsePath(raw string) (Path, error) {
	if raw == "" || raw[0] != '/' {
		return Path{}, syserror.EINVAL
	}
	var segs []string
	for _, part := range strings.Split(raw, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(segs) == 0 {
				return Path{}, syserror.ENOENT
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, part)
		}
	}
	return Path{segments: segs}, nil
}

// MustParsePath is ParsePath for callers with a compile-time-known
// valid path (kernel-internal bootstrap paths).
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic("vfs: invalid bootstrap path " + raw)
	}
	return p
}

// String renders the path in canonical absolute form.
func (p Path) String() string {
	if len(p.segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.segments, "/")
}

// Base returns the final path component, or "/" for the root.
func (p Path) Base() string {
	if len(p.segments) == 0 {
		return "/"
	}
	return p.segments[len(p.segments)-1]
}

// Dir returns the path with its final component removed.
func (p Path) Dir() Path {
	if len(p.segments) == 0 {
		return p
	}
	return Path{segments: p.segments[:len(p.segments)-1]}
}

// Join appends a child name to p.
func (p Path) Join(name string) Path {
	segs := make([]string, len(p.segments), len(p.segments)+1)
	copy(segs, p.segments)
	return Path{segments: append(segs, name)}
}

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool {
	return len(p.segments) == 0
}
