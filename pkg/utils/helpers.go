package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//InSlice returns true if given string appears in given slice
func InSlice(lookingFor string, slice []string) bool {
	for _, s := range slice {
		if s == lookingFor {
			return true
		}
	}

	return false
}

//ListDir returns a list of files/ directories in given path
func ListDir(path string) ([]string, error) {
	names := make([]string, 0)
	if files, err := os.ReadDir(path); err != nil {
		return nil, fmt.Errorf("ListDir: Error, got '%v'", err)
	} else {
		for _, f := range files {
			names = append(names, f.Name())
		}
	}

	return names, nil
}

//OutputName maps a source video file name to the name of its annotated video ("game.mp4" -> "game.avi")
func OutputName(srcVideoName string) string {
	base := filepath.Base(srcVideoName)
	return strings.TrimSuffix(base, filepath.Ext(base)) + OutputExt
}

//SafeName reports whether name is a plain file name that cannot escape its directory
func SafeName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
