package appmgr

import (
	"fmt"
	"os"
	"os/exec"
)

// Spawner starts an application process detached from the daemon's terminal
// and session. onExit is invoked once when the process exits on its own.
type Spawner interface {
	Spawn(cfg Config, inst Installation, onExit func(pid int32)) (int32, error)
}

type execSpawner struct{}

func (execSpawner) Spawn(cfg Config, inst Installation, onExit func(pid int32)) (int32, error) {
	args := append(append([]string{}, inst.Args...), cfg.Args...)
	cmd := exec.Command(inst.Command, args...)
	cmd.Dir = inst.WorkDir
	cmd.Env = append(os.Environ(), cfg.ExtraEnv...)
	cmd.SysProcAttr = detachedSysProcAttr()

	if cfg.Log.Dir != "" {
		if err := os.MkdirAll(cfg.Log.Dir, 0o750); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		outW, errW, err := cfg.Log.Writers(cfg.NameHint)
		if err != nil {
			return 0, fmt.Errorf("open log writers: %w", err)
		}
		cmd.Stdout = outW
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := int32(cmd.Process.Pid)
	go func() {
		_ = cmd.Wait()
		if onExit != nil {
			onExit(pid)
		}
	}()
	return pid, nil
}
