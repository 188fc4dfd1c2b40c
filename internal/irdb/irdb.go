// Package irdb classifies the top-level entries of an infrared database
// checkout into payload and non-payload.
package irdb

import (
	"io/fs"
	"sort"
	"strings"
)

// Entry is a top-level entry of the source tree
type Entry struct {
	Name  string
	IsDir bool
}

// IsEligible reports whether an entry is payload: a directory whose name
// starts with neither "_" nor ".". Templates, tooling and VCS metadata are
// excluded by that convention.
func IsEligible(e Entry) bool {
	if !e.IsDir || e.Name == "" {
		return false
	}
	return !strings.HasPrefix(e.Name, "_") && !strings.HasPrefix(e.Name, ".")
}

// FromFileInfo converts a directory listing entry into an Entry
func FromFileInfo(info fs.FileInfo) Entry {
	return Entry{Name: info.Name(), IsDir: info.IsDir()}
}

// Partition splits entries into eligible and skipped names, each sorted so
// callers get a stable report regardless of the listing order.
func Partition(entries []Entry) (eligible, skipped []string) {
	for _, e := range entries {
		if IsEligible(e) {
			eligible = append(eligible, e.Name)
		} else {
			skipped = append(skipped, e.Name)
		}
	}
	sort.Strings(eligible)
	sort.Strings(skipped)
	return eligible, skipped
}
