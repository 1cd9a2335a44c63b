package processor

import (
	"os"
	"path/filepath"
	"strings"
)

type Cleanup struct {
	workRoot string
	keep     bool
}

func NewCleanup(workRoot string, keep bool) *Cleanup {
	return &Cleanup{
		workRoot: workRoot,
		keep:     keep,
	}
}

// CleanupJob removes the job's work directory unless keep is set.
func (c *Cleanup) CleanupJob(jobID string) error {
	if c == nil || c.keep || jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.HasPrefix(jobID, ".") {
		return nil
	}

	err := os.RemoveAll(filepath.Join(c.workRoot, jobID))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}
