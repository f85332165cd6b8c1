/*
Package network provides host port allocation and microVM network plumbing
for OctoLab labs.

Every lab gets exactly one host port out of a configured range. The
allocator hands ports out; for microVM labs this package also creates the
per-lab tap device and the single DNAT rule that publishes the port to
the guest. Compose labs need only the port (the engine publishes it).

# Architecture

	┌──────────────────── PORT + NAT LIFECYCLE ────────────────────┐
	│                                                               │
	│  ┌─────────────────────────────────────────────┐             │
	│  │      Allocator                              │             │
	│  │  - Random start, linear wraparound scan     │             │
	│  │  - Claims via store.BindPort (one bolt tx)  │             │
	│  │  - Idempotent per lab (retry-safe)          │             │
	│  │  - Exhaustion is a first-class error        │             │
	│  └──────────────────┬──────────────────────────┘             │
	│                     │ port 10005 → lab 0b9c…                 │
	│  ┌──────────────────▼──────────────────────────┐             │
	│  │      NATPublisher (microVM only)            │             │
	│  │                                             │             │
	│  │  CreateTap:                                 │             │
	│  │    ip tuntap add dev oclf2d51a40c11 tap     │             │
	│  │    ip addr add 172.30.0.21/30 dev ocl…      │             │
	│  │    ip link set dev ocl… up                  │             │
	│  │                                             │             │
	│  │  PublishPort:                               │             │
	│  │    -t nat -A PREROUTING -p tcp              │             │
	│  │      --dport 10005                          │             │
	│  │      -m comment --comment octolab_2f2d…     │             │
	│  │      -j DNAT --to-dest 172.30.0.22:6080     │             │
	│  └──────────────────┬──────────────────────────┘             │
	│                     │                                        │
	│  ┌──────────────────▼──────────────────────────┐             │
	│  │      Teardown (by name, by comment)         │             │
	│  │  - ip link del dev ocl…   (deterministic)   │             │
	│  │  - iptables -t nat -S, delete only rules    │             │
	│  │    carrying the lab comment                 │             │
	│  │  - RuleExists / TapExists for honest        │             │
	│  │    teardown verification                    │             │
	│  └─────────────────────────────────────────────┘             │
	└───────────────────────────────────────────────────────────────┘

# Port Allocation

Uniqueness lives in the store's ports bucket (port -> lab id), written in
the same transaction that stamps the port on the lab row. There is no
in-memory free list: a restart reloads nothing and can never
double-assign. The scan starts at a random offset so consecutive labs do
not pile up at the bottom of the range, and wraps exactly once; a fully
bound range returns ErrPortExhausted, which the API surfaces as a
pool-exhausted conflict.

Allocate is idempotent per lab: a lab that already holds a port gets the
same port back, so a retried provision never leaks a second binding.
Release is idempotent too and works after the lab row is deleted, which
is exactly the state teardown calls it in.

# Naming And Addressing

Everything a lab owns on the host is derivable from its id:

  - Tap device: "ocl" + last 11 hex of the lab id (fits IFNAMSIZ).
  - iptables comment: "octolab_" + last 12 hex of the lab id.
  - Subnet: a /30 out of 172.30.0.0/16 keyed by the port offset; host
    side .1, guest side .2. The guest serves noVNC on 6080.

Deterministic names are what make teardown honest. Nothing needs to be
remembered to clean up a lab; the name is recomputed and the host asked
what still matches.

# Teardown Discipline

Removal never flushes a chain and never prunes by pattern wider than the
lab's own comment. UnpublishPort lists PREROUTING with -S, keeps only
lines carrying the exact lab comment, and replays each as a -D. A chain
that is already clean is success. The same applies to the tap: deleting
an absent device is success, because teardown runs more than once when a
worker crashes mid-claim.

# Usage

Allocating and publishing for one lab:

	alloc := network.NewAllocator(cfg, store)
	port, err := alloc.Allocate(ctx, lab.ID)
	if err != nil {
		// errors.Is(err, network.ErrPortExhausted) → 409 to the caller
	}

	nat := network.NewNATPublisher()
	tap, err := nat.CreateTap(ctx, lab.ID, port-cfg.PortMin)
	if err != nil {
		// tap already rolled back; release the port and fail the lab
	}
	err = nat.PublishPort(ctx, lab.ID, port, tap.GuestIP)

Tearing down:

	_ = nat.UnpublishPort(ctx, lab.ID)
	_ = nat.DeleteTap(ctx, lab.ID)
	_ = alloc.Release(ctx, lab.ID)

	// Verification for the teardown result
	ruleLeft, _ := nat.RuleExists(ctx, lab.ID)
	tapLeft, _ := nat.TapExists(ctx, lab.ID)

# Integration Points

This package integrates with:

  - pkg/storage: the ports bucket backs allocation
  - pkg/runtime: the firecracker backend drives tap and DNAT setup
  - pkg/manager: the provisioner allocates, rollback releases
  - pkg/metrics: exhaustion increments octolab_port_exhaustions_total

# Privileges

ip(8) and iptables(8) need root or CAP_NET_ADMIN. The compose backend
never calls them; a compose-only deployment can run without that
capability. Command output surfaced in errors passes through the
security package's redaction first.

# Limitations

  - IPv4 only; no ip6tables management.
  - One published port per lab; a lab asking for a second port is a
    modeling error, not a missing feature.
  - The /30 derivation supports 16384 concurrent offsets, far beyond
    any sane port range for a single host.
*/
package network
