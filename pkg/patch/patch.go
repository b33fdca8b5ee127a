// Package patch collects pending byte-range overwrites against a mapped
// image and applies them in one step. Nothing is written until Apply;
// a parse failure after some patches were registered therefore leaves
// the buffer untouched.
package patch

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Patch is one pending overwrite. Source is a live slice whose backing
// array must outlive the set; the bytes it holds at Apply time are what
// gets written, which lets a patch reference a value that is computed
// after the patch was registered.
type Patch struct {
	Offset int64
	Source []byte
	Label  string
}

// Set is an append-only collection of patches against one buffer.
type Set struct {
	buf     []byte
	patches []Patch
	sorted  bool
}

// NewSet creates an empty patch set for the given buffer.
func NewSet(buf []byte) *Set {
	return &Set{buf: buf}
}

// Add appends a pending patch. The label names the patched field for
// diagnostics.
func (s *Set) Add(offset int64, source []byte, label string) {
	s.patches = append(s.patches, Patch{Offset: offset, Source: source, Label: label})
	s.sorted = false
}

// Sort orders the patches by destination offset. The skip checksum and
// the overlap validation both require this order.
func (s *Set) Sort() {
	sort.Slice(s.patches, func(i, j int) bool {
		return s.patches[i].Offset < s.patches[j].Offset
	})
	s.sorted = true
}

// Patches returns the pending patches in their current order.
func (s *Set) Patches() []Patch {
	return s.patches
}

// Validate checks that every patch lies inside the buffer and that no
// two patches overlap. The set must be sorted first.
func (s *Set) Validate() error {
	if !s.sorted {
		return fmt.Errorf("patch set must be sorted before validation")
	}
	end := int64(-1)
	for i := range s.patches {
		p := &s.patches[i]
		length := int64(len(p.Source))
		if p.Offset < 0 || p.Offset+length > int64(len(s.buf)) {
			return fmt.Errorf("patch %s at offset 0x%x (%d bytes) is out of bounds", p.Label, p.Offset, length)
		}
		if p.Offset < end {
			return fmt.Errorf("overlapping patch %s at offset 0x%x", p.Label, p.Offset)
		}
		end = p.Offset + length
	}
	return nil
}

// Apply validates the set and then copies every source into place. In
// dry-run mode the patches are logged instead and the buffer is left
// unmodified.
func (s *Set) Apply(dryRun bool) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for i := range s.patches {
		p := &s.patches[i]
		if dryRun {
			logrus.Infof("would patch %s at offset 0x%x with % x", p.Label, p.Offset, p.Source)
			continue
		}
		logrus.Debugf("patching %s at offset 0x%x with % x", p.Label, p.Offset, p.Source)
		copy(s.buf[p.Offset:p.Offset+int64(len(p.Source))], p.Source)
	}
	return nil
}
