package appmgr

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Installation describes a located application install.
type Installation struct {
	// Path is the install directory, or the executable's directory for PATH
	// hits.
	Path string `json:"path"`
	// Command is what Start executes: the executable itself, or the
	// interpreter for marker-based installs.
	Command string `json:"command"`
	// Args are prepended before Config.Args (the marker script, if any).
	Args []string `json:"args,omitempty"`
	// WorkDir is the working directory for the spawned process.
	WorkDir string `json:"work_dir,omitempty"`
}

// discover runs the lookup heuristics in order: PATH first, then the
// conventional per-OS directories and any configured extra roots. Returns nil
// when nothing is found.
func discover(cfg Config) *Installation {
	if cfg.Executable != "" {
		if path, err := exec.LookPath(cfg.Executable); err == nil {
			return &Installation{Path: filepath.Dir(path), Command: path}
		}
	}
	for _, root := range searchRoots(cfg.ExtraPaths) {
		for _, dir := range cfg.DirNames {
			if inst := inspectDir(cfg, filepath.Join(root, dir)); inst != nil {
				return inst
			}
		}
		// Extra paths may point directly at an install directory.
		if inst := inspectDir(cfg, root); inst != nil {
			return inst
		}
	}
	return nil
}

// searchRoots lists the conventional install roots for this OS plus extras.
func searchRoots(extra []string) []string {
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots,
			home,
			filepath.Join(home, "Desktop"),
			filepath.Join(home, "Documents"),
		)
		if runtime.GOOS == "windows" {
			roots = append(roots, filepath.Join(home, "AppData", "Local", "Programs"))
		}
	}
	return append(roots, extra...)
}

// inspectDir checks one candidate directory for the executable or the marker
// file.
func inspectDir(cfg Config, dir string) *Installation {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil
	}
	if cfg.Executable != "" {
		exe := filepath.Join(dir, exeName(cfg.Executable))
		if st, err := os.Stat(exe); err == nil && !st.IsDir() {
			return &Installation{Path: dir, Command: exe, WorkDir: dir}
		}
	}
	if cfg.Marker != "" {
		marker := filepath.Join(dir, cfg.Marker)
		if st, err := os.Stat(marker); err == nil && !st.IsDir() {
			return &Installation{
				Path:    dir,
				Command: cfg.Interpreter,
				Args:    []string{cfg.Marker},
				WorkDir: dir,
			}
		}
	}
	return nil
}

func exeName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}
