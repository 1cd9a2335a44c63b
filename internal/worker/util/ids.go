package util

import (
	"github.com/google/uuid"
)

// NewID returns prefix_<uuid v4>, e.g. job_3f0c...
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
