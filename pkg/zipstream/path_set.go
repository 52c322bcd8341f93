package zipstream

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PathSet tracks the directory and file paths that have been added to
// an archive, so that conflicting additions can be rejected before any
// bytes for them are emitted. Directories and files live in two
// distinct sets; a path may never appear in both. For every path in
// either set, all of its slash-separated ancestors are present in the
// directory set.
type PathSet struct {
	knownDirectories map[string]struct{}
	knownFiles       map[string]struct{}
}

// NewPathSet creates a PathSet containing no paths.
func NewPathSet() *PathSet {
	return &PathSet{
		knownDirectories: map[string]struct{}{},
		knownFiles:       map[string]struct{}{},
	}
}

// pathAndAncestors decomposes a path into its non-empty components and
// yields every prefix in order, e.g. "a/b/c" becomes "a", "a/b",
// "a/b/c". Empty components are discarded, which collapses leading and
// duplicate separators.
func pathAndAncestors(p string) []string {
	var prefixes []string
	var builder strings.Builder
	for _, component := range strings.Split(p, "/") {
		if component == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteByte('/')
		}
		builder.WriteString(component)
		prefixes = append(prefixes, builder.String())
	}
	return prefixes
}

// AddDirectoryPath adds a directory and every ancestor of it to the
// set of known directories. It fails if the directory itself or any of
// its ancestors was previously added as a file.
func (s *PathSet) AddDirectoryPath(p string) error {
	prefixes := pathAndAncestors(p)
	for _, prefix := range prefixes {
		if _, ok := s.knownFiles[prefix]; ok {
			return status.Errorf(codes.AlreadyExists, "Cannot add directory %#v, as a file at %#v is already present in the archive", p, prefix)
		}
	}
	for _, prefix := range prefixes {
		s.knownDirectories[prefix] = struct{}{}
	}
	return nil
}

// AddFilePath adds a file to the set of known files and every ancestor
// of it to the set of known directories. It fails if the path was
// previously added as a directory or as a file, or if any of its
// ancestors was previously added as a file.
func (s *PathSet) AddFilePath(p string) error {
	prefixes := pathAndAncestors(p)
	if len(prefixes) == 0 {
		return status.Error(codes.InvalidArgument, "Path does not contain any non-empty components")
	}
	full := prefixes[len(prefixes)-1]
	if _, ok := s.knownDirectories[full]; ok {
		return status.Errorf(codes.AlreadyExists, "Cannot add file %#v, as a directory with the same name is already present in the archive", p)
	}
	if _, ok := s.knownFiles[full]; ok {
		return status.Errorf(codes.AlreadyExists, "File %#v is already present in the archive", p)
	}
	for _, prefix := range prefixes[:len(prefixes)-1] {
		if _, ok := s.knownFiles[prefix]; ok {
			return status.Errorf(codes.AlreadyExists, "Cannot add file %#v, as a file at %#v is already present in the archive", p, prefix)
		}
	}
	for _, prefix := range prefixes[:len(prefixes)-1] {
		s.knownDirectories[prefix] = struct{}{}
	}
	s.knownFiles[full] = struct{}{}
	return nil
}

// Contains returns whether a path was previously added, either as a
// file or as a directory.
func (s *PathSet) Contains(p string) bool {
	prefixes := pathAndAncestors(p)
	if len(prefixes) == 0 {
		return false
	}
	full := prefixes[len(prefixes)-1]
	if _, ok := s.knownFiles[full]; ok {
		return true
	}
	_, ok := s.knownDirectories[full]
	return ok
}

// Clear removes all paths from the set.
func (s *PathSet) Clear() {
	s.knownDirectories = map[string]struct{}{}
	s.knownFiles = map[string]struct{}{}
}

// uniquifyFilename generates a name that is not yet taken by inserting
// a " (n)" suffix in front of the final dot-extension of the last path
// segment, or at the end of the name if there is none. The counter
// starts at 1 and increments until an unused name is found.
func uniquifyFilename(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	stem, extension := name, ""
	lastSlash := strings.LastIndexByte(name, '/')
	if dot := strings.LastIndexByte(name, '.'); dot > lastSlash+1 {
		stem, extension = name[:dot], name[dot:]
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, extension)
		if !taken(candidate) {
			return candidate
		}
	}
}
