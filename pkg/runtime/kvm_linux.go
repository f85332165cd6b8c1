//go:build linux

package runtime

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// kvmGetAPIVersion is _IO(KVMIO, 0x00) with KVMIO = 0xAE
const kvmGetAPIVersion = 0xAE00

// minKVMAPIVersion is the stable KVM API; anything older predates
// virtualization support firecracker can use.
const minKVMAPIVersion = 12

// probeKVM opens the KVM device read-write and asks the kernel for its
// API version. This is the authoritative "can this host run microVMs"
// answer; a device node that exists but fails the ioctl is still broken.
func probeKVM(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open kvm device: %w", err)
	}
	defer f.Close()

	version, err := unix.IoctlRetInt(int(f.Fd()), kvmGetAPIVersion)
	if err != nil {
		return fmt.Errorf("KVM_GET_API_VERSION ioctl failed: %w", err)
	}
	if version < minKVMAPIVersion {
		return fmt.Errorf("kvm api version %d too old (need >= %d)", version, minKVMAPIVersion)
	}
	return nil
}

// isWSL detects Windows Subsystem for Linux development hosts
func isWSL() bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	s := strings.ToLower(string(data))
	return strings.Contains(s, "microsoft") || strings.Contains(s, "wsl")
}
