package tools

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/avelasco/opsbot/internal/dockerctl"
	"github.com/avelasco/opsbot/internal/portscan"
	"github.com/avelasco/opsbot/internal/sshexec"
	"github.com/avelasco/opsbot/internal/sysinfo"
)

// ShellRunner runs one command on a remote target.
type ShellRunner interface {
	Run(ctx context.Context, target sshexec.Target, command string) (*sshexec.Result, error)
}

// DockerClient drives the docker CLI on a remote target.
type DockerClient interface {
	ListContainers(ctx context.Context, target sshexec.Target, all bool) ([]dockerctl.Container, error)
	Restart(ctx context.Context, target sshexec.Target, container string) error
	Stop(ctx context.Context, target sshexec.Target, container string) error
	Logs(ctx context.Context, target sshexec.Target, container string, tail int) (string, error)
}

// StatusCollector gathers a health snapshot from a remote target.
type StatusCollector interface {
	Snapshot(ctx context.Context, target sshexec.Target) (*sysinfo.Status, error)
}

// Server describes one reachable host from the server catalog.
type Server struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	KeyPath  string   `json:"keyPath,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// ServerStore resolves registered servers by name or id.
type ServerStore interface {
	ListServers() ([]Server, error)
	FindServer(ref string) (Server, error)
}

// Deps carries everything the server-administration tools need.
type Deps struct {
	Servers ServerStore
	Shell   ShellRunner
	Docker  DockerClient
	Status  StatusCollector
}

// RegisterOps installs the server-administration tool set. Tools that mutate
// remote state are marked Sensitive so every invocation goes through a human
// approval.
func RegisterOps(r *Registry, deps Deps) {
	serverParam := map[string]any{
		"type":        "string",
		"description": "Server name or id as registered in opsbot",
	}

	r.Register(&Tool{
		Name:        "list_servers",
		Description: "List the registered servers with host and tags",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Run: func(ctx context.Context, input json.RawMessage) map[string]any {
			servers, err := deps.Servers.ListServers()
			if err != nil {
				return errResult(err)
			}
			return map[string]any{"ok": true, "servers": servers}
		},
	})

	r.Register(&Tool{
		Name:        "server_status",
		Description: "Get uptime, load, memory and disk usage for a server",
		Parameters: map[string]any{
			"type":       "object",
			"required":   []string{"server"},
			"properties": map[string]any{"server": serverParam},
		},
		Run: func(ctx context.Context, input json.RawMessage) map[string]any {
			var args struct {
				Server string `json:"server"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return errResult(err)
			}
			target, err := resolveTarget(deps.Servers, args.Server)
			if err != nil {
				return errResult(err)
			}
			status, err := deps.Status.Snapshot(ctx, target)
			if err != nil {
				return errResult(err)
			}
			return map[string]any{"ok": true, "status": status}
		},
	})

	r.Register(&Tool{
		Name:        "run_shell",
		Description: "Run a shell command on a server over SSH",
		Sensitive:   true,
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"server", "command"},
			"properties": map[string]any{
				"server":  serverParam,
				"command": map[string]any{"type": "string"},
			},
		},
		Run: func(ctx context.Context, input json.RawMessage) map[string]any {
			var args struct {
				Server  string `json:"server"`
				Command string `json:"command"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return errResult(err)
			}
			if strings.TrimSpace(args.Command) == "" {
				return errMsg("command is required")
			}
			target, err := resolveTarget(deps.Servers, args.Server)
			if err != nil {
				return errResult(err)
			}
			res, err := deps.Shell.Run(ctx, target, args.Command)
			if err != nil {
				return errResult(err)
			}
			return map[string]any{"ok": true, "result": res}
		},
	})

	r.Register(&Tool{
		Name:        "listening_ports",
		Description: "List listening TCP ports on a server",
		Parameters: map[string]any{
			"type":       "object",
			"required":   []string{"server"},
			"properties": map[string]any{"server": serverParam},
		},
		Run: func(ctx context.Context, input json.RawMessage) map[string]any {
			var args struct {
				Server string `json:"server"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return errResult(err)
			}
			target, err := resolveTarget(deps.Servers, args.Server)
			if err != nil {
				return errResult(err)
			}
			res, err := deps.Shell.Run(ctx, target, portscan.Command)
			if err != nil {
				return errResult(err)
			}
			return map[string]any{"ok": true, "ports": portscan.ParsePorts(res.Stdout)}
		},
	})

	r.Register(&Tool{
		Name:        "docker_ps",
		Description: "List docker containers on a server",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"server"},
			"properties": map[string]any{
				"server": serverParam,
				"all":    map[string]any{"type": "boolean", "description": "Include stopped containers"},
			},
		},
		Run: func(ctx context.Context, input json.RawMessage) map[string]any {
			var args struct {
				Server string `json:"server"`
				All    bool   `json:"all"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return errResult(err)
			}
			target, err := resolveTarget(deps.Servers, args.Server)
			if err != nil {
				return errResult(err)
			}
			containers, err := deps.Docker.ListContainers(ctx, target, args.All)
			if err != nil {
				return errResult(err)
			}
			return map[string]any{"ok": true, "containers": containers}
		},
	})

	r.Register(&Tool{
		Name:        "docker_logs",
		Description: "Fetch recent logs from a docker container",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"server", "container"},
			"properties": map[string]any{
				"server":    serverParam,
				"container": map[string]any{"type": "string"},
				"tail":      map[string]any{"type": "integer", "description": "Number of lines, default 100"},
			},
		},
		Run: func(ctx context.Context, input json.RawMessage) map[string]any {
			var args struct {
				Server    string `json:"server"`
				Container string `json:"container"`
				Tail      int    `json:"tail"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return errResult(err)
			}
			target, err := resolveTarget(deps.Servers, args.Server)
			if err != nil {
				return errResult(err)
			}
			logs, err := deps.Docker.Logs(ctx, target, args.Container, args.Tail)
			if err != nil {
				return errResult(err)
			}
			return map[string]any{"ok": true, "logs": logs}
		},
	})

	r.Register(&Tool{
		Name:        "docker_restart",
		Description: "Restart a docker container on a server",
		Sensitive:   true,
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"server", "container"},
			"properties": map[string]any{
				"server":    serverParam,
				"container": map[string]any{"type": "string"},
			},
		},
		Run: func(ctx context.Context, input json.RawMessage) map[string]any {
			var args struct {
				Server    string `json:"server"`
				Container string `json:"container"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return errResult(err)
			}
			target, err := resolveTarget(deps.Servers, args.Server)
			if err != nil {
				return errResult(err)
			}
			if err := deps.Docker.Restart(ctx, target, args.Container); err != nil {
				return errResult(err)
			}
			return map[string]any{"ok": true, "container": args.Container}
		},
	})

	r.Register(&Tool{
		Name:        "docker_stop",
		Description: "Stop a docker container on a server",
		Sensitive:   true,
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"server", "container"},
			"properties": map[string]any{
				"server":    serverParam,
				"container": map[string]any{"type": "string"},
			},
		},
		Run: func(ctx context.Context, input json.RawMessage) map[string]any {
			var args struct {
				Server    string `json:"server"`
				Container string `json:"container"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return errResult(err)
			}
			target, err := resolveTarget(deps.Servers, args.Server)
			if err != nil {
				return errResult(err)
			}
			if err := deps.Docker.Stop(ctx, target, args.Container); err != nil {
				return errResult(err)
			}
			return map[string]any{"ok": true, "container": args.Container}
		},
	})
}

func decodeArgs(input json.RawMessage, v any) error {
	decoder := json.NewDecoder(strings.NewReader(string(input)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func resolveTarget(store ServerStore, ref string) (sshexec.Target, error) {
	server, err := store.FindServer(strings.TrimSpace(ref))
	if err != nil {
		return sshexec.Target{}, err
	}
	return sshexec.Target{
		Host:     server.Host,
		Port:     server.Port,
		Username: server.Username,
		KeyPath:  server.KeyPath,
	}, nil
}
