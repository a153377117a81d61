package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestX1 = `
[project]
name = "My_Service"
version = "0.1.0"
requires-python = ">=3.12"
dependencies = [
    "X==1.0",
    "uvicorn[standard] >= 0.30",
]

[dependency-groups]
dev = ["pytest>=8"]
`

const lockX1 = `
version = 1
revision = 2
requires-python = ">=3.12"

[[package]]
name = "my-service"
version = "0.1.0"
source = { virtual = "." }
dependencies = [
    { name = "uvicorn", extra = ["standard"] },
    { name = "x" },
]

[package.dev-dependencies]
dev = [
    { name = "pytest" },
]

[package.metadata]
requires-dist = [
    { name = "uvicorn", extras = ["standard"], specifier = ">=0.30" },
    { name = "x", specifier = "==1.0" },
]

[package.metadata.requires-dev]
dev = [{ name = "pytest", specifier = ">=8" }]

[[package]]
name = "pytest"
version = "8.3.3"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "uvicorn"
version = "0.30.6"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "x"
version = "1.0"
source = { registry = "https://pypi.org/simple" }
`

func writeProject(t *testing.T, manifest, lock string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFile), []byte(lock), 0o644))
	return dir
}

func TestLoadConsistentProject(t *testing.T) {
	p, err := Load(writeProject(t, manifestX1, lockX1))
	require.NoError(t, err)

	assert.Equal(t, "my-service", p.Manifest.Name)
	assert.Equal(t, ">=3.12", p.Manifest.RequiresPython)
	assert.Len(t, p.Manifest.Dependencies, 2)
	assert.Equal(t, []string{"1.0"}, p.Lock.Versions("X"))
	require.NotNil(t, p.Lock.Root("my_service"))

	assert.NoError(t, p.Verify())
}

func TestVerifyPinMismatch(t *testing.T) {
	manifest := `
[project]
name = "my-service"
requires-python = ">=3.12"
dependencies = ["X==2.0", "uvicorn[standard]>=0.30"]

[dependency-groups]
dev = ["pytest>=8"]
`
	p, err := Load(writeProject(t, manifest, lockX1))
	require.NoError(t, err)

	err = p.Verify()
	require.ErrorIs(t, err, ErrLockMismatch)
	assert.Contains(t, err.Error(), "x requires ==2.0 but the lock pins 1.0")
	assert.Contains(t, err.Error(), "dependencies changed since the lock was written")
}

func TestVerifyMissingDependency(t *testing.T) {
	manifest := `
[project]
name = "my-service"
requires-python = ">=3.12"
dependencies = ["X==1.0", "uvicorn[standard]>=0.30", "httpx"]

[dependency-groups]
dev = ["pytest>=8"]
`
	p, err := Load(writeProject(t, manifest, lockX1))
	require.NoError(t, err)

	err = p.Verify()
	require.ErrorIs(t, err, ErrLockMismatch)
	assert.Contains(t, err.Error(), "httpx is not resolved in the lock")
}

func TestVerifyRequiresPython(t *testing.T) {
	manifest := `
[project]
name = "my-service"
requires-python = ">=3.11"
dependencies = ["X==1.0", "uvicorn[standard]>=0.30"]

[dependency-groups]
dev = ["pytest>=8"]
`
	p, err := Load(writeProject(t, manifest, lockX1))
	require.NoError(t, err)

	err = p.Verify()
	require.ErrorIs(t, err, ErrLockMismatch)
	assert.Contains(t, err.Error(), "requires-python")
}

func TestVerifyMissingRoot(t *testing.T) {
	manifest := `
[project]
name = "other"
dependencies = []
`
	p, err := Load(writeProject(t, manifest, lockX1))
	require.NoError(t, err)
	assert.ErrorIs(t, p.Verify(), ErrLockMismatch)
}

func TestVerifyUndeclaredGroup(t *testing.T) {
	manifest := `
[project]
name = "my-service"
requires-python = ">=3.12"
dependencies = ["X==1.0", "uvicorn[standard]>=0.30"]
`
	p, err := Load(writeProject(t, manifest, lockX1))
	require.NoError(t, err)

	err = p.Verify()
	require.ErrorIs(t, err, ErrLockMismatch)
	assert.Contains(t, err.Error(), "dependency group dev is locked but not declared")
}

func TestVerifyUVRewrites(t *testing.T) {
	manifest := `
[project]
name = "my-service"
requires-python = ">=3.10"
dependencies = [
    'tomli>=2; python_version < "3.11"',
    'exceptiongroup; python_version <= "3.10"',
]

[dependency-groups]
test = ["pytest>=8"]
dev = [{include-group = "test"}, "ruff"]
lint = [{ include-group = "dev" }]
`
	lock := `
version = 1
revision = 2
requires-python = ">=3.10"

[[package]]
name = "my-service"
version = "0.1.0"
source = { virtual = "." }

[package.metadata]
requires-dist = [
    { name = "exceptiongroup", marker = "python_full_version < '3.11'" },
    { name = "tomli", marker = "python_full_version < '3.11'", specifier = ">=2" },
]

[package.metadata.requires-dev]
dev = [
    { name = "pytest", specifier = ">=8" },
    { name = "ruff" },
]
lint = [
    { name = "pytest", specifier = ">=8" },
    { name = "ruff" },
]
test = [{ name = "pytest", specifier = ">=8" }]

[[package]]
name = "exceptiongroup"
version = "1.2.2"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "pytest"
version = "8.3.3"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "ruff"
version = "0.6.9"
source = { registry = "https://pypi.org/simple" }

[[package]]
name = "tomli"
version = "2.0.2"
source = { registry = "https://pypi.org/simple" }
`
	p, err := Load(writeProject(t, manifest, lock))
	require.NoError(t, err)

	assert.Len(t, p.Manifest.Groups["dev"], 2)
	assert.Len(t, p.Manifest.Groups["lint"], 2)
	assert.NoError(t, p.Verify())
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing lock", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifestX1), 0o644))
		_, err := Load(dir)
		assert.ErrorIs(t, err, ErrLock)
	})

	t.Run("missing project name", func(t *testing.T) {
		_, err := Load(writeProject(t, "[project]\nversion = \"1\"\n", lockX1))
		assert.ErrorIs(t, err, ErrManifest)
	})

	t.Run("malformed lock", func(t *testing.T) {
		_, err := Load(writeProject(t, manifestX1, "version = [\n"))
		assert.ErrorIs(t, err, ErrLock)
	})

	t.Run("include cycle", func(t *testing.T) {
		manifest := "[project]\nname = \"a\"\n[dependency-groups]\na = [{include-group = \"b\"}]\nb = [{include-group = \"a\"}]\n"
		_, err := Load(writeProject(t, manifest, lockX1))
		require.ErrorIs(t, err, ErrManifest)
		assert.Contains(t, err.Error(), "include cycle")
	})

	t.Run("unknown included group", func(t *testing.T) {
		manifest := "[project]\nname = \"a\"\n[dependency-groups]\ndev = [{include-group = \"test\"}]\n"
		_, err := Load(writeProject(t, manifest, lockX1))
		require.ErrorIs(t, err, ErrManifest)
		assert.Contains(t, err.Error(), "unknown group")
	})

	t.Run("bad requirement", func(t *testing.T) {
		_, err := Load(writeProject(t, "[project]\nname = \"a\"\ndependencies = [\"x ~~ 1\"]\n", lockX1))
		assert.ErrorIs(t, err, ErrManifest)
		assert.ErrorIs(t, err, ErrRequirement)
	})
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("m"), []byte("l"), "image")
	assert.Len(t, a, FingerprintLen)
	assert.Equal(t, a, Fingerprint([]byte("m"), []byte("l"), "image"))
	assert.NotEqual(t, a, Fingerprint([]byte("m"), []byte("l2"), "image"))
	assert.NotEqual(t, a, Fingerprint([]byte("m"), []byte("l"), "other"))
	assert.NotEqual(t,
		Fingerprint([]byte("ab"), []byte("c")),
		Fingerprint([]byte("a"), []byte("bc")),
	)
}

func TestFingerprintIgnoresSource(t *testing.T) {
	dir := writeProject(t, manifestX1, lockX1)
	p1, err := Load(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("app = None\n"), 0o644))
	p2, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, p1.Fingerprint("x"), p2.Fingerprint("x"))
}
