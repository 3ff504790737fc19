package vfs

import (
	"path"
	"strings"
)

// NormalizePath resolves "." and ".." and roots the path at "/".
// The root itself does not name a file.
func NormalizePath(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", ErrInvalidPath
	}
	return clean, nil
}

// inDir reports whether p is dir itself or lies below it.
func inDir(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
