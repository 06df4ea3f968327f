package chess

import (
	"regexp"
	"strings"
)

var coordinateMovePattern = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// NormalizeMoveText lowers and trims raw chat input before it is matched.
func NormalizeMoveText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// IsCoordinateMove reports whether text is a well-formed coordinate move
// such as "e2e4" or "a7a8q". Matching is case-insensitive.
func IsCoordinateMove(text string) bool {
	return coordinateMovePattern.MatchString(NormalizeMoveText(text))
}
