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
	"fmt"
	"regexp"
	"strconv"
)

// placeholderPattern matches {{param}} references, tolerating inner whitespace.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_-]*)\s*\}\}`)

// InterpolateString replaces every {{param}} occurrence in s with the
// string-coerced input value. Unknown parameters are left untouched so that
// the substitution is idempotent.
func InterpolateString(s string, inputs map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := inputs[name]
		if !ok {
			return match
		}
		return coerceString(value)
	})
}

// InterpolateConfig walks a worker config and replaces {{param}} occurrences
// in every string value, including strings inside arrays and nested maps.
// Non-string values pass through unchanged. The original config is not
// mutated.
func InterpolateConfig(config map[string]interface{}, inputs map[string]interface{}) map[string]interface{} {
	if config == nil {
		return nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = interpolateValue(v, inputs)
	}
	return out
}

func interpolateValue(v interface{}, inputs map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return InterpolateString(val, inputs)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, inputs)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = InterpolateString(item, inputs)
		}
		return out
	case map[string]interface{}:
		return InterpolateConfig(val, inputs)
	default:
		return v
	}
}

// coerceString renders an input value the way it would appear in a prompt.
// Floats that carry no fractional part print as integers so that YAML
// number inputs round-trip cleanly.
func coerceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
