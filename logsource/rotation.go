package logsource

import (
	"path"
	"sort"
	"strconv"
	"strings"
)

// activeSuffix marks the file a JDK 8 JVM is still writing
const activeSuffix = ".current"

// compressedSuffixes are stripped before reading a rotation index
var compressedSuffixes = []string{".gz", ".gzip"}

// RotationKey places one file within a rotated series.
type RotationKey struct {
	// Base is the name shared by every file of the series
	Base string
	// Index is the rotation number, meaningful only when Active is false
	Index int
	// Active marks the file still being written, which always sorts last
	Active bool
}

// ParseRotation derives the rotation key from a file name:
//
//	gc.log.3          base gc.log, index 3
//	gc.log.4.current  base gc.log, active
//	gc.log            base gc.log, active
//	gc.log.1.gz       base gc.log, index 1
func ParseRotation(name string) RotationKey {
	n := path.Base(strings.ReplaceAll(name, "\\", "/"))
	for _, suffix := range compressedSuffixes {
		n = strings.TrimSuffix(n, suffix)
	}

	active := false
	if strings.HasSuffix(n, activeSuffix) {
		active = true
		n = strings.TrimSuffix(n, activeSuffix)
	}

	if dot := strings.LastIndexByte(n, '.'); dot > 0 {
		if index, err := strconv.Atoi(n[dot+1:]); err == nil && index >= 0 {
			return RotationKey{Base: n[:dot], Index: index, Active: active}
		}
	}
	return RotationKey{Base: n, Active: true}
}

// OrderRotated sorts names into chronological reading order: grouped by base
// name, rotated files by ascending index, the active file last.
func OrderRotated(names []string) []string {
	type keyed struct {
		name string
		key  RotationKey
	}
	items := make([]keyed, len(names))
	for i, n := range names {
		items[i] = keyed{name: n, key: ParseRotation(n)}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].key, items[j].key
		if a.Base != b.Base {
			return a.Base < b.Base
		}
		if a.Active != b.Active {
			return !a.Active
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return items[i].name < items[j].name
	})

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out
}

func hidden(name string) bool {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.HasPrefix(base, ".") || strings.HasPrefix(name, "__MACOSX/")
}
