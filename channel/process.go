//go:build unix

package channel

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// The client runs in its own process group so that the browser it spawns
// goes down with it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.Signal(sig)
	}
	if err := syscall.Kill(-p.Pid, s); err != nil {
		return p.Signal(sig)
	}
	return nil
}

// KillOrphans force-kills every process whose command line mentions marker,
// typically a tenant working directory. Returns the number of processes killed.
// Hosts without /proc report zero.
func KillOrphans(marker string) (int, error) {
	if marker == "" {
		return 0, nil
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	self := os.Getpid()
	needle := []byte(marker)
	killed := 0

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}

		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil || !bytes.Contains(cmdline, needle) {
			continue
		}

		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			log.Debug().Err(err).Int("pid", pid).Msg("failed to kill orphan process")
			continue
		}
		log.Warn().Int("pid", pid).Str("marker", marker).Msg("killed orphaned client process")
		killed++
	}

	return killed, nil
}
