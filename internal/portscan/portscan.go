package portscan

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Command lists listening TCP sockets on a remote host. ss is standard on
// modern distributions; netstat covers older ones.
const Command = "ss -ltnH 2>/dev/null || netstat -ltn 2>/dev/null"

var addressPortRe = regexp.MustCompile(`(?:\[[0-9a-fA-F:]+\]|[0-9a-fA-F:.]+|\*):([0-9]{1,5})`)

// ParsePorts extracts deduplicated, sorted listening TCP ports from ss or
// netstat output.
func ParsePorts(out string) []int {
	var ports []int
	for _, line := range strings.Split(out, "\n") {
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "Proto") || strings.HasPrefix(text, "State") ||
			strings.HasPrefix(text, "Active ") {
			continue
		}

		m := addressPortRe.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		p, err := strconv.Atoi(m[1])
		if err == nil {
			ports = append(ports, p)
		}
	}
	return dedupeAndSortPorts(ports)
}

func dedupeAndSortPorts(ports []int) []int {
	seen := make(map[int]struct{}, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
