//go:build !unix

package channel

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func signalGroup(p *os.Process, sig os.Signal) error {
	if sig == os.Interrupt {
		return p.Kill()
	}
	return p.Signal(sig)
}

// KillOrphans is a no-op where the process table cannot be scanned
func KillOrphans(marker string) (int, error) {
	return 0, nil
}
