package command

import "strings"

func normalizeSHA256(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// isHexSHA256 reports whether value is exactly 64 lowercase hex chars.
func isHexSHA256(value string) bool {
	if len(value) != 64 {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
