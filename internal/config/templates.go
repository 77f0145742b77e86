package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file for kind: "daemon" or "manifest".
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon", "capd":
		return daemonTemplate, nil
	case "manifest":
		return manifestTemplate, nil
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

const daemonTemplate = `listen_addr = "127.0.0.1:42000"
root = "~/.vdm/libs"
admin_addr = "127.0.0.1:42080"
max_connections = 128
call_workers = 0
metadata_policy = "always"
spin_initial = "20us"
spin_max = "2ms"
request_capacity = 10240
response_capacity = 1048576
plugin_log_db = ""
python = "python3"
hook_timeout = "10m"
load_timeout = "30s"
cors_origins = ["http://localhost:3000"]
`

const manifestTemplate = `{
  "name": "ping",
  "type": "c",
  "version": "0.1.0",
  "build": {
    "dependency": {},
    "script": ["cc -shared -fPIC -o libping.so ping.c"],
    "output": ["libping.so"]
  },
  "runtime": {
    "dependency": {},
    "status": "true",
    "enable": [],
    "disable": []
  },
  "metadata": {
    "ping": {"restype": "string", "args": []}
  }
}
`
