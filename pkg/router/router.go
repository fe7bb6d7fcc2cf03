package router

import (
	"strconv"
	"strings"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
)

const defaultBodyLimit = 8 << 20

// HTTP settings read once at startup.
var (
	// BaseURL prefixes every route; empty or "/" means no prefix.
	BaseURL         string
	CORSOrigin      string
	BodyLimit       string
	GZipLevel       int
	CacheTTLSeconds int

	bodyLimitBytes int
)

func init() {
	BaseURL = normalizeBaseURL(env.GetEnvStringOrDefault("HTTP_BASE_URL", ""))
	CORSOrigin = env.GetEnvStringOrDefault("HTTP_CORS_ORIGIN", "*")
	BodyLimit = env.GetEnvStringOrDefault("HTTP_BODY_LIMIT_SIZE", "8M")
	bodyLimitBytes = parseBodyLimit(BodyLimit)
	GZipLevel = env.GetEnvIntOrDefault("HTTP_GZIP_LEVEL", 1)
	CacheTTLSeconds = env.GetEnvIntOrDefault("HTTP_CACHE_TTL_SECONDS", 5)
}

func normalizeBaseURL(raw string) string {
	base := strings.Trim(strings.TrimSpace(raw), "/")
	if base == "" {
		return ""
	}
	return "/" + base
}

func BodyLimitBytes() int {
	return bodyLimitBytes
}

// parseBodyLimit reads sizes such as "512K", "8M" or "1G"; bare numbers are bytes.
func parseBodyLimit(limit string) int {
	limit = strings.ToUpper(strings.TrimSpace(limit))
	units := map[string]int{"K": 1 << 10, "M": 1 << 20, "G": 1 << 30}

	multiplier := 1
	if n := len(limit); n > 0 {
		if m, ok := units[limit[n-1:]]; ok {
			multiplier = m
			limit = strings.TrimSpace(limit[:n-1])
		}
	}
	value, err := strconv.Atoi(limit)
	if err != nil || value <= 0 {
		return defaultBodyLimit
	}
	return value * multiplier
}
