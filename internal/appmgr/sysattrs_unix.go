//go:build !windows

package appmgr

import "syscall"

// detachedSysProcAttr starts the child in a new session (setsid) so it is
// detached from the daemon's controlling terminal and survives daemon exit
// cleanly.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
