package network

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/security"
)

// GuestNoVNCPort is where the guest serves its noVNC stack. The DNAT
// rule forwards the lab's host port here.
const GuestNoVNCPort = 6080

// maxSubnetOffset bounds the per-lab /30 derivation inside
// 172.30.0.0/16: 256 third octets times 64 /30 blocks each.
const maxSubnetOffset = 256 * 64

// TapName returns the deterministic tap device name for a lab: "ocl"
// plus the last 11 hex characters of the id. Linux interface names max
// out at 15 characters, which is why this is one shorter than the
// iptables comment.
func TapName(labID string) string {
	hex := strings.ReplaceAll(labID, "-", "")
	if len(hex) > 11 {
		hex = hex[len(hex)-11:]
	}
	return "ocl" + hex
}

// RuleComment returns the iptables comment that marks every NAT rule
// belonging to a lab. Removal matches on this and nothing else.
func RuleComment(labID string) string {
	return "octolab_" + security.ShortLabID(labID)
}

// LabSubnet derives the host-side CIDR and guest IP for a lab from its
// port offset within the configured range. Each lab gets its own /30
// out of 172.30.0.0/16: host side .1, guest side .2.
func LabSubnet(offset int) (hostCIDR, guestIP string, err error) {
	if offset < 0 || offset >= maxSubnetOffset {
		return "", "", fmt.Errorf("subnet offset %d outside [0,%d)", offset, maxSubnetOffset)
	}
	third := offset / 64
	base := (offset % 64) * 4
	hostCIDR = fmt.Sprintf("172.30.%d.%d/30", third, base+1)
	guestIP = fmt.Sprintf("172.30.%d.%d", third, base+2)
	return hostCIDR, guestIP, nil
}

// TapConfig is what a created tap looks like: the device name, the
// host-side address, and the guest address the DNAT rule targets.
type TapConfig struct {
	Name     string
	HostCIDR string
	GuestIP  string
}

// NATPublisher sets up and tears down the per-lab tap device and the
// single DNAT rule that publishes the lab's host port. Every mutation
// is keyed to the lab: the tap by its deterministic name, the rule by
// its comment. Nothing here ever touches a chain-wide flush.
type NATPublisher struct {
	command func(name string, arg ...string) *exec.Cmd
	logger  zerolog.Logger
}

// NewNATPublisher creates a publisher that shells out to ip(8) and
// iptables(8).
func NewNATPublisher() *NATPublisher {
	return &NATPublisher{
		command: exec.Command,
		logger:  log.WithComponent("nat"),
	}
}

// SetCommand sets a custom command builder. To be used for testing
// only.
func (p *NATPublisher) SetCommand(command func(name string, arg ...string) *exec.Cmd) {
	p.command = command
}

// CreateTap creates the lab's tap device, addresses it, and brings it
// up. A partial failure rolls the device back so retries start clean.
func (p *NATPublisher) CreateTap(ctx context.Context, labID string, portOffset int) (TapConfig, error) {
	hostCIDR, guestIP, err := LabSubnet(portOffset)
	if err != nil {
		return TapConfig{}, err
	}
	tap := TapName(labID)

	steps := [][]string{
		{"tuntap", "add", "dev", tap, "mode", "tap"},
		{"addr", "add", hostCIDR, "dev", tap},
		{"link", "set", "dev", tap, "up"},
	}
	for _, args := range steps {
		if err := ctx.Err(); err != nil {
			p.runIP("link", "del", "dev", tap)
			return TapConfig{}, err
		}
		if err := p.runIP(args...); err != nil {
			p.runIP("link", "del", "dev", tap)
			return TapConfig{}, fmt.Errorf("create tap %s: %w", tap, err)
		}
	}

	p.logger.Debug().Str("lab_id", labID).Str("tap", tap).Msg("tap created")
	return TapConfig{Name: tap, HostCIDR: hostCIDR, GuestIP: guestIP}, nil
}

// DeleteTap removes the lab's tap device. A device that is already gone
// is success.
func (p *NATPublisher) DeleteTap(ctx context.Context, labID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tap := TapName(labID)
	if err := p.runIP("link", "del", "dev", tap); err != nil {
		if strings.Contains(err.Error(), "Cannot find device") {
			return nil
		}
		return fmt.Errorf("delete tap %s: %w", tap, err)
	}
	return nil
}

// TapExists reports whether the lab's tap device is present.
func (p *NATPublisher) TapExists(ctx context.Context, labID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := p.runIP("link", "show", "dev", TapName(labID))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "Cannot find device") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PublishPort installs the lab's DNAT rule: bind host port to the guest
// noVNC port, tagged with the lab comment.
func (p *NATPublisher) PublishPort(ctx context.Context, labID string, hostPort int, guestIP string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rule := []string{
		"-t", "nat",
		"-A", "PREROUTING",
		"-p", "tcp",
		"--dport", strconv.Itoa(hostPort),
		"-m", "comment", "--comment", RuleComment(labID),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", guestIP, GuestNoVNCPort),
	}
	if err := p.runIPTables(rule...); err != nil {
		return fmt.Errorf("publish port %d: %w", hostPort, err)
	}
	p.logger.Debug().Str("lab_id", labID).Int("port", hostPort).Msg("dnat rule installed")
	return nil
}

// UnpublishPort removes every PREROUTING rule carrying the lab's
// comment. It lists the chain, matches only on the comment, and deletes
// matching entries one at a time. Already-clean chains are success.
func (p *NATPublisher) UnpublishPort(ctx context.Context, labID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rules, err := p.labRules(labID)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		args := append([]string{"-t", "nat", "-D"}, rule...)
		if err := p.runIPTables(args...); err != nil {
			return fmt.Errorf("remove nat rule: %w", err)
		}
	}
	if len(rules) > 0 {
		p.logger.Debug().Str("lab_id", labID).Int("rules", len(rules)).Msg("dnat rules removed")
	}
	return nil
}

// RuleExists reports whether any PREROUTING rule still carries the
// lab's comment. Teardown verification calls this after removal.
func (p *NATPublisher) RuleExists(ctx context.Context, labID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rules, err := p.labRules(labID)
	if err != nil {
		return false, err
	}
	return len(rules) > 0, nil
}

// labRules lists PREROUTING and returns the argument tails (everything
// after "-A PREROUTING") of rules tagged with the lab's comment.
func (p *NATPublisher) labRules(labID string) ([][]string, error) {
	out, err := p.command("iptables", "-t", "nat", "-S", "PREROUTING").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("list nat rules: %w (%s)", err, security.Sanitize(string(out), 512))
	}

	comment := RuleComment(labID)
	var rules [][]string
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "--comment "+comment) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" {
			continue
		}
		// Keep "PREROUTING ..." so -D can replay the exact rule.
		rules = append(rules, fields[1:])
	}
	return rules, nil
}

func (p *NATPublisher) runIP(args ...string) error {
	return p.run("ip", args...)
}

func (p *NATPublisher) runIPTables(args ...string) error {
	return p.run("iptables", args...)
}

func (p *NATPublisher) run(name string, args ...string) error {
	cmd := p.command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (%s)", name, err, security.Sanitize(string(output), 512))
	}
	return nil
}
