// Copyright 2025 Tom Barlow
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

package workload

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const weatherYAML = `id: weather
name: Weather report
version: 1.0.0
prompt: "Weather for {{location}}"
output:
  format: json
input:
  location:
    type: string
    required: true
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoaderDiscovery(t *testing.T) {
	personal := t.TempDir()
	writeFile(t, personal, "weather.yaml", weatherYAML)
	writeFile(t, personal, "reports/digest.yml", strings.ReplaceAll(weatherYAML, "id: weather", "id: digest"))

	l := NewLoader(personal, "", nil)
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := l.Get("weather"); !ok {
		t.Error("weather not in catalog")
	}
	if _, ok := l.Get("digest"); !ok {
		t.Error("nested digest.yml not discovered")
	}
	if folder := l.Folder("digest"); folder != "reports" {
		t.Errorf("Folder(digest) = %q, want %q", folder, "reports")
	}
	if folder := l.Folder("weather"); folder != "" {
		t.Errorf("Folder(weather) = %q, want empty", folder)
	}
}

func TestLoaderPersonalShadowsExample(t *testing.T) {
	personal := t.TempDir()
	examples := t.TempDir()
	writeFile(t, examples, "weather.yaml", strings.ReplaceAll(weatherYAML, "Weather report", "Example weather"))
	writeFile(t, personal, "weather.yaml", weatherYAML)

	l := NewLoader(personal, examples, nil)
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	def, ok := l.Get("weather")
	if !ok {
		t.Fatal("weather not in catalog")
	}
	if def.Name != "Weather report" {
		t.Errorf("Get returned the example copy: name = %q", def.Name)
	}
	path, _ := l.PathOf("weather")
	if !strings.HasPrefix(path, personal) {
		t.Errorf("PathOf = %q, want path under personal root", path)
	}
}

func TestLoaderInvalidFilesCollected(t *testing.T) {
	personal := t.TempDir()
	writeFile(t, personal, "good.yaml", weatherYAML)
	writeFile(t, personal, "broken.yaml", "id: [unclosed")
	writeFile(t, personal, "cyclic.yaml", `id: cyclic
name: Cyclic
version: 1.0.0
steps:
  - id: A
    worker: exec
    config: {command: "true"}
    output: a.json
    dependsOn: [B]
  - id: B
    worker: exec
    config: {command: "true"}
    output: b.json
    dependsOn: [A]
`)

	l := NewLoader(personal, "", nil)
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := l.Get("weather"); !ok {
		t.Error("valid file did not survive sibling failures")
	}
	if _, ok := l.Get("cyclic"); ok {
		t.Error("cyclic workload entered the catalog")
	}

	errs := l.Errors()
	if len(errs) != 2 {
		t.Fatalf("Errors() = %d entries, want 2: %+v", len(errs), errs)
	}
	foundCycle := false
	for _, fe := range errs {
		for _, msg := range fe.Errors {
			if strings.Contains(msg, "circular dependencies") {
				foundCycle = true
			}
		}
	}
	if !foundCycle {
		t.Errorf("error collection does not mention circular dependencies: %+v", errs)
	}
}

func TestLoaderReloadIdempotent(t *testing.T) {
	personal := t.TempDir()
	writeFile(t, personal, "weather.yaml", weatherYAML)

	l := NewLoader(personal, "", nil)
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	first := l.List()
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	second := l.List()

	if !reflect.DeepEqual(first, second) {
		t.Error("Reload on unchanged filesystem produced a different catalog")
	}
}

func TestLoaderMissingRootKeepsCatalog(t *testing.T) {
	personal := t.TempDir()
	writeFile(t, personal, "weather.yaml", weatherYAML)

	l := NewLoader(personal, "", nil)
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(personal); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err == nil {
		t.Fatal("expected error for missing root")
	}
	if _, ok := l.Get("weather"); !ok {
		t.Error("previous catalog discarded on catastrophic reload failure")
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	def, err := Parse([]byte(weatherYAML))
	if err != nil {
		t.Fatal(err)
	}
	out, err := Marshal(def)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(def, again) {
		t.Errorf("round trip is not a fixed point:\nfirst:  %+v\nsecond: %+v", def, again)
	}
}
