package evaluation

import (
	"fmt"
	"os"
	"path/filepath"
)

// CaseDirs is the local working tree of one case.
type CaseDirs struct {
	UUID   string
	Root   string
	Report string
	Log    string
	Allure string
	// Tmp is shared by every case.
	Tmp string
}

// NewCaseDirs lays out <dataDir>/runner-<uuid>/{report,log,allure-result}
// and <dataDir>/tmp.
func NewCaseDirs(dataDir, id string) CaseDirs {
	root := filepath.Join(dataDir, "runner-"+id)
	return CaseDirs{
		UUID:   id,
		Root:   root,
		Report: filepath.Join(root, "report"),
		Log:    filepath.Join(root, "log"),
		Allure: filepath.Join(root, "allure-result"),
		Tmp:    filepath.Join(dataDir, "tmp"),
	}
}

// Ensure creates every directory. Existing directories are fine.
func (d CaseDirs) Ensure() error {
	for _, dir := range []string{d.Root, d.Report, d.Log, d.Allure, d.Tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ResultLog is the append-only log the executor pushes for the case.
func (d CaseDirs) ResultLog() string {
	return filepath.Join(d.Tmp, "runner-"+d.UUID+".log")
}

// RunnerLog is the log file the executor leaves in the case tree.
func (d CaseDirs) RunnerLog() string {
	return filepath.Join(d.Log, "runner.log")
}
