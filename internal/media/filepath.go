package media

import (
	"fmt"
	"path/filepath"
)

// targetPath maps a stored filename onto the fan-out layout
// <root>/<board>/<image|thumb>/<F[0:4]>/<F[4:6]>/<F>. Filenames are derived
// from the server-side microsecond timestamp, so the first six characters are
// always digits.
func targetPath(root, board string, kind Kind, filename string) (string, error) {
	if len(filename) < 7 {
		return "", fmt.Errorf("media filename %q too short", filename)
	}
	for _, c := range filename[:6] {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("media filename %q has a non-digit prefix", filename)
		}
	}
	return filepath.Join(root, board, string(kind), filename[:4], filename[4:6], filename), nil
}
