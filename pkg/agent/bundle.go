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

package agent

// TestExport describes one discovered, runnable unit inside a bundled
// file. A test is uniquely identified by (file path, ExportName); ID is
// what selection matches against.
type TestExport struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Timeout    *int64   `json:"timeout,omitempty"`
	Skip       bool     `json:"skip,omitempty"`
	Only       bool     `json:"only,omitempty"`
	ExportName string   `json:"exportName"`
}

// HasTag reports whether t carries the given tag.
func (t TestExport) HasTag(tag string) bool {
	for _, got := range t.Tags {
		if got == tag {
			return true
		}
	}
	return false
}

// BundleFile is one source file in the bundle, with its content hash
// and the tests discovered inside it.
type BundleFile struct {
	Hash    string       `json:"hash"`
	Exports []TestExport `json:"exports"`
}

// BundleMetadata is the bundle's self-description, read from
// metadata.json at the archive root.
type BundleMetadata struct {
	SchemaVersion int                   `json:"schemaVersion"`
	RootHash      string                `json:"rootHash"`
	Files         map[string]BundleFile `json:"files"`
}

// SelectedTest pairs a discovered export with the file it came from, so
// downstream consumers (the executor, event translation) can address it
// without re-walking the metadata map.
type SelectedTest struct {
	FilePath string
	Export   TestExport
}
