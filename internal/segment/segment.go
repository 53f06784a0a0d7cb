// Package segment provides the pieces shared by every segmented log on disk:
// offset-named segment files, directory discovery, and bounds-checked
// memory-mapped regions over a single segment.
//
// A segment is a fixed-capacity file whose name is the zero-padded logical
// offset at which it starts, e.g. 00000000000000000200 for the second
// segment of a log with a capacity of 200 bytes.
package segment

import (
	"fmt"
	"os"
	"sort"
	"strconv"
)

// NameWidth is the number of decimal digits in a segment file name.
const NameWidth = 20

// Name formats a segment start offset as its file name.
func Name(start int64) string {
	return fmt.Sprintf("%0*d", NameWidth, start)
}

// ParseName returns the start offset encoded in a segment file name.
// ok is false for anything that is not exactly NameWidth decimal digits.
func ParseName(name string) (start int64, ok bool) {
	if len(name) != NameWidth {
		return 0, false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Scan lists the segment start offsets found in dir, ascending.
// Files whose names are not segment names are ignored. A missing directory
// yields an empty list.
func Scan(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("segment: scan %s: %w", dir, err)
	}

	var starts []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if start, ok := ParseName(e.Name()); ok {
			starts = append(starts, start)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

// Index returns the ordinal of the segment holding logical offset off.
func Index(off, capacity int64) int64 { return off / capacity }

// Local returns the position of off inside its segment.
func Local(off, capacity int64) int64 { return off % capacity }

// Start returns the start offset of the segment holding off.
func Start(off, capacity int64) int64 { return off - off%capacity }

// CheckContiguous reports an error unless starts are spaced exactly capacity
// apart and each is a multiple of capacity.
func CheckContiguous(starts []int64, capacity int64) error {
	for i, s := range starts {
		if s%capacity != 0 {
			return fmt.Errorf("segment: %s is not aligned to capacity %d", Name(s), capacity)
		}
		if i > 0 && s != starts[i-1]+capacity {
			return fmt.Errorf("segment: gap between %s and %s", Name(starts[i-1]), Name(s))
		}
	}
	return nil
}
