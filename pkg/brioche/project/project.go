// Package project implements the project-definition loader: an external
// collaborator the spec treats as out-of-scope ("a trivial TOML read") but
// which the resolver's callers still need to drive real builds.
//
// Grounded on original_source/src/brioche/project.rs almost directly:
// resolve_project_depth's recursive dependency walk, its depth guard, its
// dependency-name validation, and find_project_root's upward search all
// carry over with the same structure and the same failure modes.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// maxDependencyDepth bounds recursive dependency resolution, matching the
// original's depth: usize = 100 default.
const maxDependencyDepth = 100

var dependencyNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Project is a resolved project: its canonicalized local path and its
// fully-resolved dependency tree, keyed by dependency name.
type Project struct {
	LocalPath    string
	Dependencies map[string]*Project
}

// definition mirrors brioche.toml's on-disk shape.
type definition struct {
	Dependencies map[string]dependencyDefinition `toml:"dependencies"`
}

// dependencyDefinition is a path dependency (`{ path = "..." }`) or a
// registry version dependency (a bare string, today only "*").
type dependencyDefinition struct {
	Path    string
	Version string
}

func (d *dependencyDefinition) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		if v != "*" {
			return fmt.Errorf("project: unsupported version specifier: %q", v)
		}
		d.Version = v
		return nil
	case map[string]any:
		path, ok := v["path"].(string)
		if !ok {
			return fmt.Errorf("project: path dependency missing a string \"path\" field")
		}
		d.Path = path
		return nil
	default:
		return fmt.Errorf("project: unrecognized dependency definition shape: %T", data)
	}
}

// RepoDir is where registry ("*") dependencies are looked up by name,
// analogous to the original's brioche.repo_dir.
type RepoDir string

// Load resolves the project rooted at path, recursively resolving every
// dependency declared in its brioche.toml up to a fixed recursion depth.
func Load(ctx context.Context, path string, repoDir RepoDir) (*Project, error) {
	return loadDepth(ctx, path, repoDir, maxDependencyDepth)
}

func loadDepth(ctx context.Context, path string, repoDir RepoDir, depth int) (*Project, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("project: resolve path %s: %w", path, err)
	}
	canonicalPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("project: canonicalize path %s: %w", absPath, err)
	}

	defPath := filepath.Join(canonicalPath, "brioche.toml")
	raw, err := os.ReadFile(defPath)
	if err != nil {
		return nil, fmt.Errorf("project: read project definition at %s: %w", defPath, err)
	}

	var def definition
	if _, err := toml.Decode(string(raw), &def); err != nil {
		return nil, fmt.Errorf("project: parse project definition at %s: %w", defPath, err)
	}

	dependencies := make(map[string]*Project, len(def.Dependencies))
	for name, dep := range def.Dependencies {
		if !dependencyNamePattern.MatchString(name) {
			return nil, fmt.Errorf("project: invalid dependency name %q in %s", name, defPath)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if depth == 0 {
			return nil, fmt.Errorf("project: dependency depth exceeded while resolving %s", defPath)
		}

		var depPath string
		switch {
		case dep.Path != "":
			depPath = filepath.Join(canonicalPath, dep.Path)
		case dep.Version == "*":
			depPath = filepath.Join(string(repoDir), name)
		default:
			return nil, fmt.Errorf("project: dependency %q in %s has no path or version", name, defPath)
		}

		resolved, err := loadDepth(ctx, depPath, repoDir, depth-1)
		if err != nil {
			return nil, fmt.Errorf("project: resolve dependency %q in %s: %w", name, defPath, err)
		}
		dependencies[name] = resolved
	}

	return &Project{LocalPath: canonicalPath, Dependencies: dependencies}, nil
}

// FindRoot walks upward from path until it finds a directory containing a
// brioche.toml, returning that directory. It fails once it reaches the
// filesystem root without finding one.
func FindRoot(path string) (string, error) {
	current, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("project: resolve path %s: %w", path, err)
	}

	for {
		defPath := filepath.Join(current, "brioche.toml")
		if _, err := os.Stat(defPath); err == nil {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("project: project root not found above %s", path)
		}
		current = parent
	}
}
