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

package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Cloner fetches a repository into an existing empty directory.
type Cloner interface {
	Clone(ctx context.Context, repoURL, dir string) error
}

// GitCloner shells out to git for shallow single-branch clones.
type GitCloner struct{}

// Clone runs `git clone --depth 1 --single-branch <url> .` inside dir.
func (GitCloner) Clone(ctx context.Context, repoURL, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--single-branch", repoURL, ".")
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("clone timeout - repository too large or network issue")
	}
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("git clone failed: %s", detail)
	}
	return nil
}
