package sysinfo

import (
	"testing"
)

func TestParseUptime(t *testing.T) {
	line := " 14:32:10 up 12 days,  3:41,  2 users,  load average: 0.52, 0.48, 0.44"
	uptime, load, err := ParseUptime(line)
	if err != nil {
		t.Fatalf("parse uptime: %v", err)
	}
	if uptime != "12 days, 3:41" {
		t.Errorf("uptime = %q, want %q", uptime, "12 days, 3:41")
	}
	if load[0] != 0.52 || load[1] != 0.48 || load[2] != 0.44 {
		t.Errorf("load = %v", load)
	}
}

func TestParseUptime_FreshBoot(t *testing.T) {
	line := " 09:02:01 up 23 min,  1 user,  load average: 1.05, 0.70, 0.33"
	uptime, load, err := ParseUptime(line)
	if err != nil {
		t.Fatalf("parse uptime: %v", err)
	}
	if uptime != "23 min" {
		t.Errorf("uptime = %q, want %q", uptime, "23 min")
	}
	if load[0] != 1.05 {
		t.Errorf("load = %v", load)
	}
}

func TestParseUptime_NoLoadAverage(t *testing.T) {
	if _, _, err := ParseUptime("garbage"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseFreeLine(t *testing.T) {
	mem, err := ParseFreeLine("Mem:    16724848640  9173733376  1083916288   566231040  6467199976  7551115264")
	if err != nil {
		t.Fatalf("parse free: %v", err)
	}
	if mem.TotalBytes != 16724848640 {
		t.Errorf("total = %d", mem.TotalBytes)
	}
	if mem.UsedBytes != 9173733376 {
		t.Errorf("used = %d", mem.UsedBytes)
	}
}

func TestParseDF(t *testing.T) {
	output := `Filesystem     1024-blocks      Used Available Capacity Mounted on
/dev/nvme0n1p2   479079112 221066264 233607252      49% /
/dev/nvme0n1p1      523244      6220    517024       2% /boot/efi`
	disks, err := ParseDF(output)
	if err != nil {
		t.Fatalf("parse df: %v", err)
	}
	if len(disks) != 2 {
		t.Fatalf("expected 2 disks, got %d", len(disks))
	}
	root := disks[0]
	if root.MountPoint != "/" || root.UsePercent != 49 || root.TotalKB != 479079112 {
		t.Errorf("unexpected root disk: %+v", root)
	}
}

func TestParseStatus(t *testing.T) {
	output := `web-1
 14:32:10 up 12 days,  3:41,  2 users,  load average: 0.52, 0.48, 0.44
Mem:    16724848640  9173733376  1083916288   566231040  6467199976  7551115264
Filesystem     1024-blocks      Used Available Capacity Mounted on
/dev/sda1        479079112 221066264 233607252      49% /`
	status, err := ParseStatus(output)
	if err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if status.Hostname != "web-1" {
		t.Errorf("hostname = %q", status.Hostname)
	}
	if status.Uptime != "12 days, 3:41" {
		t.Errorf("uptime = %q", status.Uptime)
	}
	if status.Memory.TotalBytes == 0 {
		t.Error("memory not parsed")
	}
	if len(status.Disks) != 1 || status.Disks[0].UsePercent != 49 {
		t.Errorf("disks = %+v", status.Disks)
	}
}
