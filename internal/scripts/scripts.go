// Package scripts screens and stores submitted Manim scripts.
//
// Inline code is saved content-addressed as <dir>/<sha256>.py and referred to
// by the hex digest. A reference may also be storage://<object key>, which the
// worker downloads from the storage provider when the job runs.
package scripts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"reel/internal/models"
	"reel/internal/pkg/errors"
)

// StoragePrefix marks a reference to an object in the storage provider.
const StoragePrefix = "storage://"

// MaxScriptBytes bounds inline script size.
const MaxScriptBytes = 256 << 10

var unsafeKeywords = []string{"import os", "subprocess", "exec", "__import__", "open(", "file("}

var (
	sceneClassRe = regexp.MustCompile(`class\s+(\w+)\s*\(\s*(\w*Scene)\s*\)`)
	digestRe     = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Screen rejects scripts containing keywords that reach outside the sandbox.
func Screen(code string) error {
	if strings.TrimSpace(code) == "" {
		return errors.ValidationField("script_code", "script_code is empty")
	}
	if len(code) > MaxScriptBytes {
		return errors.ValidationField("script_code", fmt.Sprintf("script exceeds %d bytes", MaxScriptBytes))
	}
	for _, kw := range unsafeKeywords {
		if strings.Contains(code, kw) {
			return errors.ValidationField("script_code", "script contains potentially unsafe code").
				WithField("keyword", kw)
		}
	}
	return nil
}

// Scenes returns the Scene subclasses declared in code, in source order.
func Scenes(code string) []string {
	matches := sceneClassRe.FindAllStringSubmatch(code, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Store keeps screened scripts on local disk.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "scripts.new", "create scripts directory")
	}
	return &Store{dir: dir}, nil
}

// Save screens code, checks that sceneName (if set) is declared, and stores
// it. Saving the same code twice returns the same reference.
func (s *Store) Save(code, sceneName string) (string, error) {
	if err := Screen(code); err != nil {
		return "", err
	}
	scenes := Scenes(code)
	if len(scenes) == 0 {
		return "", errors.ValidationField("script_code", "no Scene classes found in script")
	}
	if sceneName != "" && !contains(scenes, sceneName) {
		return "", errors.ValidationField("scene_name", fmt.Sprintf("scene %q not found in script", sceneName)).
			WithField("scenes", strings.Join(scenes, ","))
	}

	sum := sha256.Sum256([]byte(code))
	ref := hex.EncodeToString(sum[:])
	p := filepath.Join(s.dir, ref+".py")

	if _, err := os.Stat(p); err == nil {
		return ref, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+ref[:12]+"-*")
	if err != nil {
		return "", errors.Wrap(err, "scripts.save", "create temp file")
	}
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "scripts.save", "write script")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "scripts.save", "fsync script")
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "scripts.save", "rename script")
	}
	return ref, nil
}

// IsStorageRef reports whether ref points into the storage provider.
func IsStorageRef(ref string) bool {
	return strings.HasPrefix(ref, StoragePrefix)
}

// StorageKey strips the storage:// prefix.
func StorageKey(ref string) string {
	return strings.TrimPrefix(ref, StoragePrefix)
}

// Resolve maps a local reference to its file path.
func (s *Store) Resolve(ref string) (string, error) {
	if !digestRe.MatchString(ref) {
		return "", errors.ValidationField("script_reference", "unknown script reference format")
	}
	p := filepath.Join(s.dir, ref+".py")
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFound("script", ref)
		}
		return "", errors.Wrap(err, "scripts.resolve", "stat script")
	}
	return p, nil
}

// Check validates a job request's script reference before admission. Local
// references must exist and declare the named scene; storage references are
// checked when the job runs.
func (s *Store) Check(ctx context.Context, req models.Request) error {
	ref := req.ScriptReference
	if IsStorageRef(ref) {
		if StorageKey(ref) == "" || strings.Contains(ref, "..") {
			return errors.ValidationField("script_reference", "invalid storage reference")
		}
		return nil
	}

	p, err := s.Resolve(ref)
	if errors.IsNotFound(err) {
		return errors.ValidationField("script_reference", "script_reference does not exist")
	}
	if err != nil {
		return err
	}
	if req.SceneName == "" {
		return nil
	}
	code, err := os.ReadFile(p)
	if err != nil {
		return errors.Wrap(err, "scripts.check", "read script")
	}
	if !contains(Scenes(string(code)), req.SceneName) {
		return errors.ValidationField("scene_name", fmt.Sprintf("scene %q not found in script", req.SceneName))
	}
	return nil
}

// Dir returns the scripts directory.
func (s *Store) Dir() string { return s.dir }

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
