package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "scoped":
		return scopedTemplate, nil
	case "scopectl":
		return scopectlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Check loads path as the given kind and reports the first problem.
func Check(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "scoped":
		_, err := LoadScoped(path)
		return err
	case "scopectl":
		_, err := LoadScopectl(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const scopedTemplate = `name = "scoped"
debugger_address = "127.0.0.1:7001"
admin_addr = "127.0.0.1:9400"
# admin_token = "change-me"
cors_origins = ["http://localhost:3000"]
services = ["echo", "kv", "runtime-info"]
reconnect = true
reconnect_max_attempts = 0
stp0_double_unescape = false
# handshake_timeout = "5s"

# relay remote applications to the debugger
# proxy_listen = "127.0.0.1:7002"
# protocol = "best"
# format = "none"

security_mode = "development"

[tls]
enabled = false
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""
insecure_skip_verify = false
`

const scopectlTemplate = `name = "scopectl"
listen_address = "127.0.0.1:7001"
protocol = "best"
format = "json"
services = ["echo", "kv", "runtime-info"]
security_mode = "development"

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
`
