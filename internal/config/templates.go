package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/jobrelay/internal/tools"
)

const (
	KindHop  = "hop"
	KindNode = "node"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindHop:
		return hopTemplate, nil
	case KindNode:
		return nodeTemplate, nil
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
	return tools.WriteFileAtomic(path, []byte(template), 0o600)
}

const hopTemplate = `name = "hop"
id = ""
# exec, ssh, pbs or none for the last hop of a chain
mode = "exec"
next_args = []
status_addr = "127.0.0.1:9300"
status_token = ""
log_file = ""
result_dir = ""

[input]
# socket, std or none
kind = "socket"
bind_host = "0.0.0.0"
advertise_host = ""
base_port = 5000
max_ports = 200

[install]
source_root = "."
include = ["bin/**"]
exclude = []
target_root = "/tmp/jobrelay"
executable = "bin/jobrelay"

[install.environment]
interpreter = ""
lib_paths = []
load_commands = []

[jobs]
# exec or pbs makes this a multijob hop (with mode none) that starts one
# output per add_job; {id} in args is the job id
mode = ""
args = []

[ssh]
host = ""
port = 22
user = ""
key_file = "~/.ssh/id_ed25519"
known_hosts_file = "~/.ssh/known_hosts"
tunnel = false
tunnel_base_port = 33000

[pbs]
dialect = "metacentrum"
queue = ""
walltime = "01:00:00"
nodes = 1
ppn = 1
memory = "1gb"
scratch = ""
with_socket = true

[session]
connect_timeout = "5s"
handshake_timeout = "60s"
receive_timeout = "100ms"
answer_timeout = "20s"
max_empty_reads = 5

[communicator]
long_action_timeout = "10m"
poll_interval = "1s"
`

const nodeTemplate = `id = "root"
listen_addr = ""
status_addr = "127.0.0.1:9310"
status_token = ""
log_file = ""
children = []

[service]
tick = "50ms"
max_drain = 64

[service.session]
connect_timeout = "5s"
answer_timeout = "20s"
`
