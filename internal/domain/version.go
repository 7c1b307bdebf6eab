package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// InitialToolVersion is assigned to a tool on first discovery.
const InitialToolVersion = "1.0.0"

// BumpVersion increments the minor component of a semantic version and
// resets the patch, e.g. "1.0.0" -> "1.1.0". Malformed input restarts
// from the initial version's first bump.
func BumpVersion(version string) string {
	parts := strings.Split(strings.TrimSpace(version), ".")
	if len(parts) != 3 {
		return "1.1.0"
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return "1.1.0"
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil || minor < 0 {
		return "1.1.0"
	}
	return fmt.Sprintf("%d.%d.0", major, minor+1)
}
