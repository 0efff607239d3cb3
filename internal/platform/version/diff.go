package version

import (
	"fmt"
	"reflect"
	"sort"
)

// DiffEntry represents a single field-level difference between two
// versions of a case document.
type DiffEntry struct {
	Path     string      `json:"path"`
	Type     string      `json:"type"` // "added", "removed", "changed"
	OldValue interface{} `json:"oldValue,omitempty"`
	NewValue interface{} `json:"newValue,omitempty"`
}

// Diff compares two document content maps recursively and returns all
// differences. It walks through both maps, identifying added, removed,
// and changed values including nested maps and arrays. It is a pure
// function over its inputs.
func Diff(old, new map[string]interface{}) []DiffEntry {
	var diffs []DiffEntry
	diffMaps("", old, new, &diffs)
	return diffs
}

// diffMaps recursively compares two maps and appends differences to diffs.
func diffMaps(prefix string, old, new map[string]interface{}, diffs *[]DiffEntry) {
	// Collect all keys from both maps.
	keys := make(map[string]bool)
	for k := range old {
		keys[k] = true
	}
	for k := range new {
		keys[k] = true
	}

	// Sort keys for deterministic output.
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		oldVal, inOld := old[key]
		newVal, inNew := new[key]

		if !inOld {
			*diffs = append(*diffs, DiffEntry{
				Path:     path,
				Type:     "added",
				NewValue: newVal,
			})
			continue
		}

		if !inNew {
			*diffs = append(*diffs, DiffEntry{
				Path:     path,
				Type:     "removed",
				OldValue: oldVal,
			})
			continue
		}

		// Both exist: compare values.
		diffValues(path, oldVal, newVal, diffs)
	}
}

// diffValues compares two values at the given path.
func diffValues(path string, oldVal, newVal interface{}, diffs *[]DiffEntry) {
	oldMap, oldIsMap := toMap(oldVal)
	newMap, newIsMap := toMap(newVal)

	if oldIsMap && newIsMap {
		diffMaps(path, oldMap, newMap, diffs)
		return
	}

	oldSlice, oldIsSlice := asSlice(oldVal)
	newSlice, newIsSlice := asSlice(newVal)

	if oldIsSlice && newIsSlice {
		diffSlices(path, oldSlice, newSlice, diffs)
		return
	}

	// Scalar comparison.
	if !reflect.DeepEqual(oldVal, newVal) {
		*diffs = append(*diffs, DiffEntry{
			Path:     path,
			Type:     "changed",
			OldValue: oldVal,
			NewValue: newVal,
		})
	}
}

// diffSlices compares two slices element-by-element.
func diffSlices(path string, old, new []interface{}, diffs *[]DiffEntry) {
	maxLen := len(old)
	if len(new) > maxLen {
		maxLen = len(new)
	}

	for i := 0; i < maxLen; i++ {
		elemPath := fmt.Sprintf("%s[%d]", path, i)

		if i >= len(old) {
			*diffs = append(*diffs, DiffEntry{
				Path:     elemPath,
				Type:     "added",
				NewValue: new[i],
			})
			continue
		}

		if i >= len(new) {
			*diffs = append(*diffs, DiffEntry{
				Path:     elemPath,
				Type:     "removed",
				OldValue: old[i],
			})
			continue
		}

		diffValues(elemPath, old[i], new[i], diffs)
	}
}

func toMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}
