package config

import (
	"fmt"
	"os"
)

// InstanceID identifies one running process in service_status. An explicit
// INSTANCE_ID wins; otherwise "<service>:<hostname>:<pid>" keeps multiple
// instances on one host distinguishable.
func InstanceID(service string) string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%s:%d", service, host, os.Getpid())
}
