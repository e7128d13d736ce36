package bootstrap

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// serviceAccountName is the dedicated, compiled-in account the executive
// drops privileges to (§4.J step 9). Resolving it before the config file
// is even read (step 1 runs before step 4) means an attacker who controls
// the config cannot redirect which account the process ends up running
// as.
const serviceAccountName = "execd"

type identity struct {
	uid int
	gid int
}

// resolveIdentity implements §4.J step 1. If the account does not exist on
// this host and the process is not running as root, bootstrap assumes a
// development environment and runs as the invoking user; dropPrivileges
// becomes a no-op in that case.
func resolveIdentity() (identity, error) {
	u, err := user.Lookup(serviceAccountName)
	if err != nil {
		if unix.Getuid() != 0 {
			return identity{uid: unix.Getuid(), gid: unix.Getgid()}, nil
		}
		return identity{}, fmt.Errorf("identity: account %q: %w", serviceAccountName, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return identity{}, fmt.Errorf("identity: parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return identity{}, fmt.Errorf("identity: parse gid %q: %w", u.Gid, err)
	}
	return identity{uid: uid, gid: gid}, nil
}

// dropPrivileges implements §4.J step 9: gid before uid, always, so the
// process never holds a dropped uid with an unchanged (root) gid.
func dropPrivileges(id identity) error {
	if unix.Getuid() != 0 {
		return nil // already unprivileged: nothing to drop (development run)
	}
	if err := unix.Setresgid(id.gid, id.gid, id.gid); err != nil {
		return fmt.Errorf("identity: setresgid(%d): %w", id.gid, err)
	}
	if err := unix.Setresuid(id.uid, id.uid, id.uid); err != nil {
		return fmt.Errorf("identity: setresuid(%d): %w", id.uid, err)
	}
	return nil
}
