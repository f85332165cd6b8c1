//go:build !linux

package runtime

import "fmt"

func probeKVM(path string) error {
	return fmt.Errorf("kvm is only available on linux")
}

func isWSL() bool {
	return false
}
