package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key)=([^\s&@]+)`)
var userinfoPattern = regexp.MustCompile(`://([^:/@\s]+):([^@\s]+)@`)

func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

// RedactDSN hides passwords in connection strings before they reach a log.
func RedactDSN(dsn string) string {
	dsn = userinfoPattern.ReplaceAllString(dsn, "://$1:***@")
	return secretPattern.ReplaceAllString(dsn, "$1=***")
}
