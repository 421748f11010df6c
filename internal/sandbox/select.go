// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package sandbox

import (
	"os"
	"path/filepath"
	"sort"

	"fleetagent/pkg/agent"
)

// selectTests applies a Selection to a bundle's discovered exports,
// returning the union of id-matched and tag-matched tests (or all
// tests when selection is empty), in stable file-then-export order.
func selectTests(meta agent.BundleMetadata, sel *agent.Selection) []agent.SelectedTest {
	paths := make([]string, 0, len(meta.Files))
	for p := range meta.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var all []agent.SelectedTest
	for _, p := range paths {
		for _, exp := range meta.Files[p].Exports {
			all = append(all, agent.SelectedTest{FilePath: p, Export: exp})
		}
	}

	if sel.Empty() {
		return all
	}

	idSet := map[string]bool{}
	for _, id := range sel.IDs {
		idSet[id] = true
	}

	var out []agent.SelectedTest
	seen := map[string]bool{}
	for _, t := range all {
		matched := false
		if len(sel.IDs) > 0 && idSet[t.Export.ID] {
			matched = true
		}
		if !matched && len(sel.Tags) > 0 && matchesTags(t.Export, sel.Tags, sel.TagMode) {
			matched = true
		}
		key := t.FilePath + ":" + t.Export.ExportName
		if matched && !seen[key] {
			out = append(out, t)
			seen[key] = true
		}
	}
	return out
}

// applyMarks honors the bundle's own only/skip annotations within the
// selected set: any only-marked test restricts the run to the
// only-marked subset, and skip-marked tests are reported as skipped
// without spawning a child.
func applyMarks(tests []agent.SelectedTest) (run, skipped []agent.SelectedTest) {
	anyOnly := false
	for _, t := range tests {
		if t.Export.Only {
			anyOnly = true
			break
		}
	}
	for _, t := range tests {
		if anyOnly && !t.Export.Only {
			continue
		}
		if t.Export.Skip {
			skipped = append(skipped, t)
			continue
		}
		run = append(run, t)
	}
	return run, skipped
}

func matchesTags(t agent.TestExport, tags []string, mode agent.TagMatchMode) bool {
	if mode == agent.TagMatchAll {
		for _, tag := range tags {
			if !t.HasTag(tag) {
				return false
			}
		}
		return true
	}
	// default / "any"
	for _, tag := range tags {
		if t.HasTag(tag) {
			return true
		}
	}
	return false
}

// resolveSecretsFile walks the secrets source chain: the task's own
// secretsPath, then the worker's env override, then the bundle's
// .env.secrets, then the worker-wide default; the first non-empty file
// wins. A missing file at any stage is not an error.
func resolveSecretsFile(secretsPath, envOverridePath, bundleDir, workerDefault string) (string, error) {
	candidates := []string{secretsPath, envOverridePath, filepath.Join(bundleDir, ".env.secrets"), workerDefault}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		info, err := os.Stat(c)
		if err != nil {
			continue
		}
		if info.Size() > 0 {
			return c, nil
		}
	}
	return "", nil
}
