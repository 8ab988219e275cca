package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeProject(t *testing.T, dir, toml string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "brioche.toml"), []byte(toml), 0o644))
}

func TestLoadProjectWithNoDependencies(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "")

	p, err := Load(context.Background(), root, "")
	require.NoError(t, err)
	require.Empty(t, p.Dependencies)
}

func TestLoadProjectWithPathDependency(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, `
[dependencies.utils]
path = "./vendor/utils"
`)
	writeProject(t, filepath.Join(root, "vendor", "utils"), "")

	p, err := Load(context.Background(), root, "")
	require.NoError(t, err)
	require.Contains(t, p.Dependencies, "utils")

	expectedPath, err := filepath.EvalSymlinks(filepath.Join(root, "vendor", "utils"))
	require.NoError(t, err)
	require.Equal(t, expectedPath, p.Dependencies["utils"].LocalPath)
}

func TestLoadProjectWithRepoDependency(t *testing.T) {
	root := t.TempDir()
	repo := t.TempDir()
	writeProject(t, root, `
[dependencies]
shared = "*"
`)
	writeProject(t, filepath.Join(repo, "shared"), "")

	p, err := Load(context.Background(), root, RepoDir(repo))
	require.NoError(t, err)
	require.Contains(t, p.Dependencies, "shared")
}

func TestLoadProjectRejectsInvalidDependencyName(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, `
[dependencies]
"bad name!" = "*"
`)

	_, err := Load(context.Background(), root, "")
	require.Error(t, err)
}

func TestLoadProjectRejectsUnsupportedVersion(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, `
[dependencies]
thing = "^1.0"
`)

	_, err := Load(context.Background(), root, "")
	require.Error(t, err)
}

func TestLoadProjectMissingDefinitionFails(t *testing.T) {
	root := t.TempDir()

	_, err := Load(context.Background(), root, "")
	require.Error(t, err)
}

func TestFindRootWalksUpward(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "")

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := FindRoot(nested)
	require.NoError(t, err)

	expected, err := filepath.Abs(root)
	require.NoError(t, err)
	require.Equal(t, expected, found)
}

func TestFindRootFailsWhenNoneExists(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	_, err := FindRoot(nested)
	require.Error(t, err)
}
