package backend

import (
	"os"
	"path/filepath"

	"pixi.build/go/skerr"
)

// NotADirectoryError reports that a checkout path is not a directory.
type NotADirectoryError struct{ Path string }

func (e *NotADirectoryError) Error() string { return "not a directory: " + e.Path }

// NoBuildSectionError reports that none of the recognized manifest/recipe
// files were found in a checkout.
type NoBuildSectionError struct{ Path string }

func (e *NoBuildSectionError) Error() string {
	return "no build backend declaration found under " + e.Path
}

// candidateFiles is the fixed discovery order (§4.5 step 4): the first of
// these present in the checkout root determines the backend tool.
var candidateFiles = []struct {
	file string
	tool string
}{
	{"pixi-build.toml", "pixi-build-rattler-build"},
	{"recipe.yaml", "pixi-build-rattler-build"},
	{"meta.yaml", "pixi-build-rattler-build"},
	{"pyproject.toml", "pixi-build-python"},
	{"CMakeLists.txt", "pixi-build-cmake"},
}

// Discover inspects checkoutPath for a recognized manifest/recipe file and
// returns the backend tool name to spawn.
func Discover(checkoutPath string) (string, error) {
	info, err := os.Stat(checkoutPath)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	if !info.IsDir() {
		return "", &NotADirectoryError{Path: checkoutPath}
	}
	for _, candidate := range candidateFiles {
		if _, err := os.Stat(filepath.Join(checkoutPath, candidate.file)); err == nil {
			return candidate.tool, nil
		}
	}
	return "", &NoBuildSectionError{Path: checkoutPath}
}
