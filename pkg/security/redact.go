package security

import (
	"regexp"
	"strings"
)

var (
	secretPattern   = regexp.MustCompile(`(sk-|xai-|hf_|AIza|AKIA)[A-Za-z0-9_\-]{8,}`)
	bearerPattern   = regexp.MustCompile(`(?i)(bearer\s+|api[_-]?key=|token=)[^\s&"']+`)
	fileLinePattern = regexp.MustCompile(`\S+\.go:\d+`)
	addrPattern     = regexp.MustCompile(`0x[0-9a-fA-F]{6,}`)
)

// Redact removes credentials and source locations from a message so it can
// be logged or shown to a player.
func Redact(msg string) string {
	msg = secretPattern.ReplaceAllString(msg, "[REDACTED]")
	msg = bearerPattern.ReplaceAllString(msg, "${1}[REDACTED]")
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")
	msg = addrPattern.ReplaceAllString(msg, "[ADDR]")
	return msg
}

// RedactError is Redact for errors; nil yields "".
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}

// MaskSecret shows only the edges of a secret, for startup logs.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", 4) + secret[len(secret)-4:]
}
