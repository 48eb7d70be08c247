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

package expect

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// expr reserves contains, in, matches and count, hence the alternate names.
var functions = map[string]any{
	"has":      hasFn,
	"match":    matchFn,
	"includes": includesFn,
	"notIn":    notInFn,
	"len":      lenFn,
	"lines":    linesFn,
	"indices":  indicesFn,
}

// hasFn: has(output, "Cleared"), has(list, elem).
func hasFn(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	haystack, needle := args[0], args[1]
	if haystack == nil {
		return false, nil
	}

	if s, ok := haystack.(string); ok {
		sub, ok := needle.(string)
		return ok && strings.Contains(s, sub), nil
	}
	return includesFn(needle, haystack)
}

// matchFn applies a multiline regular expression.
func matchFn(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("match requires exactly 2 arguments, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return false, fmt.Errorf("match: first argument must be a string, got %T", args[0])
	}
	pattern, ok := args[1].(string)
	if !ok {
		return false, fmt.Errorf("match: second argument must be a string pattern, got %T", args[1])
	}
	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return false, fmt.Errorf("match: invalid regex pattern: %w", err)
	}
	return re.MatchString(s), nil
}

// includesFn: includes(value, collection). Numbers compare by value so that
// int literals match ints produced by indices().
func includesFn(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("includes requires exactly 2 arguments, got %d", len(args))
	}
	needle, haystack := args[0], args[1]
	if haystack == nil {
		return false, nil
	}

	v := reflect.ValueOf(haystack)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if looseEqual(v.Index(i).Interface(), needle) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		return v.MapIndex(reflect.ValueOf(needle)).IsValid(), nil
	default:
		return false, fmt.Errorf("includes: second argument must be a collection, got %T", haystack)
	}
}

func notInFn(args ...any) (any, error) {
	in, err := includesFn(args...)
	if err != nil {
		return nil, err
	}
	return !in.(bool), nil
}

func lenFn(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("len: cannot get length of type %T", args[0])
	}
}

// linesFn splits output into non-empty lines.
func linesFn(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("lines requires exactly 1 argument, got %d", len(args))
	}
	s, _ := args[0].(string)
	var out []any
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

var indexLine = regexp.MustCompile(`(?m)^\s*(\d+):`)

// indicesFn extracts the leading "N:" indices of a breakpoint listing.
func indicesFn(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("indices requires exactly 1 argument, got %d", len(args))
	}
	s, _ := args[0].(string)
	var out []any
	for _, m := range indexLine.FindAllStringSubmatch(s, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	return aok && bok && fa == fb
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch {
	case !rv.IsValid():
		return 0, false
	case rv.CanInt():
		return float64(rv.Int()), true
	case rv.CanUint():
		return float64(rv.Uint()), true
	case rv.CanFloat():
		return rv.Float(), true
	}
	return 0, false
}
