package portscan

import (
	"reflect"
	"testing"
)

func TestParsePortsSS(t *testing.T) {
	out := `LISTEN 0      4096         0.0.0.0:22        0.0.0.0:*
LISTEN 0      511          0.0.0.0:80        0.0.0.0:*
LISTEN 0      4096            [::]:22           [::]:*
LISTEN 0      244        127.0.0.1:5432      0.0.0.0:*`

	got := ParsePorts(out)
	want := []int{22, 80, 5432}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParsePorts = %v, want %v", got, want)
	}
}

func TestParsePortsNetstat(t *testing.T) {
	out := `Active Internet connections (only servers)
Proto Recv-Q Send-Q Local Address           Foreign Address         State
tcp        0      0 0.0.0.0:22              0.0.0.0:*               LISTEN
tcp        0      0 127.0.0.1:6379          0.0.0.0:*               LISTEN
tcp6       0      0 :::443                  :::*                    LISTEN`

	got := ParsePorts(out)
	want := []int{22, 443, 6379}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParsePorts = %v, want %v", got, want)
	}
}

func TestParsePortsIgnoresGarbage(t *testing.T) {
	if got := ParsePorts("no sockets here\n\n"); len(got) != 0 {
		t.Errorf("ParsePorts = %v, want empty", got)
	}
	// Out-of-range port numbers are dropped.
	if got := ParsePorts("LISTEN 0 1 0.0.0.0:99999 0.0.0.0:*"); len(got) != 0 {
		t.Errorf("ParsePorts = %v, want empty", got)
	}
}
