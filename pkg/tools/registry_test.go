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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSandboxRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r := NewRegistry()
	require.NoError(t, r.Register(NewListDirTool(dir)))
	require.NoError(t, r.Register(NewReadFileTool(dir)))
	require.NoError(t, r.Register(NewWriteFileTool(dir, nil)))
	require.NoError(t, r.Register(NewShellTool(dir, nil)))
	return r, dir
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r, _ := newSandboxRegistry(t)

	assert.Equal(t, 4, r.Count())

	tool, ok := r.Get("run_command")
	require.True(t, ok)
	assert.Equal(t, "run_command", tool.GetName())

	_, ok = r.Get("no_such_tool")
	assert.False(t, ok)
}

func TestRegistry_NamesSorted(t *testing.T) {
	r, _ := newSandboxRegistry(t)

	assert.Equal(t, []string{"list_dir", "read_file", "run_command", "write_file"}, r.Names())
}

func TestRegistry_InfosMatchTools(t *testing.T) {
	r, _ := newSandboxRegistry(t)

	infos := r.Infos()
	require.Len(t, infos, 4)
	for _, info := range infos {
		assert.NotEmpty(t, info.Name)
		assert.NotEmpty(t, info.Description)
		assert.NotEmpty(t, info.Parameters)
	}
	assert.Equal(t, "list_dir", infos[0].Name)
	assert.Equal(t, "write_file", infos[3].Name)
}

func TestRegistry_RejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	require.NoError(t, r.Register(NewReadFileTool(dir)))
	err := r.Register(NewReadFileTool(dir))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, r.Register(nil))
}
