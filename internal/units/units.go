// Package units discovers the ordered project units a per-unit directive
// runs against.
package units

import (
	"os"
	"regexp"
	"sort"
	"strconv"
)

var unitNameRe = regexp.MustCompile(`^unit(\d+)$`)

// Detect scans root for directories named unitN and returns them sorted
// by their embedded ordinal, ascending. The ordering is numeric, not
// lexicographic: unit10 sorts after unit9. A missing root yields an empty
// list, which means the project only supports single-scope directives.
func Detect(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var found []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if unitNameRe.MatchString(e.Name()) {
			found = append(found, e.Name())
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return Ordinal(found[i]) < Ordinal(found[j])
	})
	return found, nil
}

// Ordinal extracts the numeric ordinal from a unit name. Names that do
// not match the unit pattern return -1.
func Ordinal(unit string) int {
	m := unitNameRe.FindStringSubmatch(unit)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// Index returns the position of unit within the live ordering, or -1 when
// the unit is not present.
func Index(live []string, unit string) int {
	for i, u := range live {
		if u == unit {
			return i
		}
	}
	return -1
}
