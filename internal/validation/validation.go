// Package validation provides input validation helpers for the PeerTrade API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// hexRegex covers tx hashes and on-chain escrow IDs, 0x optional.
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex reports whether s is a hex string.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeAddress lowercases an address and adds the 0x prefix to bare
// 40-char hex. Validation is separate; this only normalizes.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// SanitizeString trims, bounds, and strips null bytes from free-form input.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
