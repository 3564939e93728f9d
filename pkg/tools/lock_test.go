// Copyright 2025 Kandra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLock_NormalizesExtensions(t *testing.T) {
	lock := NewLock([]string{"py", ".TS", " .go ", ""})

	assert.True(t, lock.Active())
	assert.Equal(t, []string{".go", ".py", ".ts"}, lock.Extensions())
	assert.True(t, lock.Allows(".PY"))
	assert.False(t, lock.Allows(".js"))
}

func TestLock_InactiveAllowsEverything(t *testing.T) {
	var nilLock *Lock
	assert.False(t, nilLock.Active())
	assert.True(t, nilLock.Allows(".js"))
	assert.Nil(t, nilLock.Violations(t.TempDir()))

	empty := NewLock(nil)
	assert.False(t, empty.Active())
	assert.True(t, empty.Allows(".rb"))
}

func TestIsMetadataFile(t *testing.T) {
	for _, name := range []string{
		"package.json", "README.md", "config.yml", ".gitignore", ".env",
		"requirements.txt", "Dockerfile", "go.mod", "pom.xml",
		"jest.config.js", "vite.config.mjs", "poetry.lock",
	} {
		assert.True(t, IsMetadataFile(name), name)
	}
	for _, name := range []string{"app.py", "index.js", "main.go", "schema.sql"} {
		assert.False(t, IsMetadataFile(name), name)
	}
}

func writeLockFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"app.py":                 "print('ok')\n",
		"legacy.js":              "console.log('old')\n",
		"lib/helper.rb":          "puts 'old'\n",
		"package.json":           "{}\n",
		"README.md":              "# readme\n",
		"node_modules/dep/x.js":  "ignored\n",
		".git/hooks/pre-push.js": "ignored\n",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestLock_Violations(t *testing.T) {
	root := writeLockFixture(t)
	lock := NewLock([]string{".py"})

	violations := lock.Violations(root)

	assert.ElementsMatch(t, []string{"legacy.js", filepath.Join("lib", "helper.rb")}, violations)
}

func TestLock_Purge(t *testing.T) {
	root := writeLockFixture(t)
	lock := NewLock([]string{".py"})

	purged, err := lock.Purge(root)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"legacy.js", filepath.Join("lib", "helper.rb")}, purged)
	assert.NoFileExists(t, filepath.Join(root, "legacy.js"))
	assert.NoFileExists(t, filepath.Join(root, "lib", "helper.rb"))

	// Whitelisted code, metadata, and ignored directories survive.
	assert.FileExists(t, filepath.Join(root, "app.py"))
	assert.FileExists(t, filepath.Join(root, "package.json"))
	assert.FileExists(t, filepath.Join(root, "README.md"))
	assert.FileExists(t, filepath.Join(root, "node_modules", "dep", "x.js"))
	assert.FileExists(t, filepath.Join(root, ".git", "hooks", "pre-push.js"))
}
