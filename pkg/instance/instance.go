package instance

import (
	"os"
	"strings"
)

// GetID identifies the running process in logs and lease values: the dyno
// name when present, then GENFORGE_INSTANCE_ID, then the hostname.
func GetID() string {
	for _, key := range []string{"DYNO", "GENFORGE_INSTANCE_ID"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
