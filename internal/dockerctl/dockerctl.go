package dockerctl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/avelasco/opsbot/internal/sshexec"
)

// Container is one row of docker ps output.
type Container struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	Status string `json:"Status"`
	State  string `json:"State"`
	Ports  string `json:"Ports,omitempty"`
}

// Client drives the docker CLI on a remote host over SSH. It shells out
// rather than speaking the engine API so the only remote requirement is a
// docker binary and a user in the docker group.
type Client struct {
	exec *sshexec.Executor
}

func New(exec *sshexec.Executor) *Client {
	return &Client{exec: exec}
}

// ListContainers returns containers on the target; all includes stopped ones.
func (c *Client) ListContainers(ctx context.Context, target sshexec.Target, all bool) ([]Container, error) {
	cmd := "docker ps --format '{{json .}}'"
	if all {
		cmd = "docker ps -a --format '{{json .}}'"
	}
	res, err := c.exec.Run(ctx, target, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("docker ps on %s: %s", target.Host, strings.TrimSpace(res.Stderr))
	}

	return ParseContainers(res.Stdout)
}

// Restart restarts one container by name or id.
func (c *Client) Restart(ctx context.Context, target sshexec.Target, container string) error {
	res, err := c.exec.Run(ctx, target, "docker restart "+sshexec.Quote(container))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("docker restart %s on %s: %s", container, target.Host, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Stop stops one container by name or id.
func (c *Client) Stop(ctx context.Context, target sshexec.Target, container string) error {
	res, err := c.exec.Run(ctx, target, "docker stop "+sshexec.Quote(container))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("docker stop %s on %s: %s", container, target.Host, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Logs returns the last tail lines of a container's logs.
func (c *Client) Logs(ctx context.Context, target sshexec.Target, container string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	cmd := fmt.Sprintf("docker logs --tail %d %s 2>&1", tail, sshexec.Quote(container))
	res, err := c.exec.Run(ctx, target, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("docker logs %s on %s: %s", container, target.Host, strings.TrimSpace(res.Stdout))
	}
	return res.Stdout, nil
}

// ParseContainers parses docker ps --format '{{json .}}' output. Split out so
// the parsing is testable without a remote docker host.
func ParseContainers(output string) ([]Container, error) {
	containers := make([]Container, 0)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ct Container
		if err := json.Unmarshal([]byte(line), &ct); err != nil {
			return nil, fmt.Errorf("parse docker ps line %q: %w", line, err)
		}
		containers = append(containers, ct)
	}
	return containers, nil
}
