package bootstrap

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestResolveIdentityFallsBackWhenAccountMissingAndUnprivileged(t *testing.T) {
	if unix.Getuid() == 0 {
		t.Skip("test assumes the execd service account does not exist and we are not root")
	}

	id, err := resolveIdentity()
	if err != nil {
		t.Fatalf("resolveIdentity: %v", err)
	}
	if id.uid != unix.Getuid() || id.gid != unix.Getgid() {
		t.Fatalf("expected fallback to the invoking user, got %+v", id)
	}
}

func TestDropPrivilegesIsANoOpWhenAlreadyUnprivileged(t *testing.T) {
	if unix.Getuid() == 0 {
		t.Skip("test assumes the process is not running as root")
	}
	if err := dropPrivileges(identity{uid: unix.Getuid(), gid: unix.Getgid()}); err != nil {
		t.Fatalf("dropPrivileges: %v", err)
	}
}
