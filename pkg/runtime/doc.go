/*
Package runtime provides the lab execution backends for OctoLab and the
machinery that picks one: the LabRuntime contract, the Compose and
Firecracker implementations, a noop backend for tests, the doctor that
preflights a host, and the fail-closed selector.

A lab is one disposable environment. Whatever backend runs it, the shape
is the same: create from a recipe, verify destruction honestly, report
evidence artifacts truthfully.

# Architecture

	┌────────────────────── RUNTIME SELECTION ──────────────────────┐
	│                                                                │
	│  OCTOLAB_RUNTIME=compose|microvm|firecracker|noop              │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────┐             │
	│  │           Doctor (preflight)                  │             │
	│  │  compose: docker cli, engine ping, plugin     │             │
	│  │  microvm: /dev/kvm ioctl, firecracker bin,    │             │
	│  │           jailer, kernel/rootfs readable,     │             │
	│  │           state root writable, vhost-vsock    │             │
	│  │  any failed FATAL ⇒ refuse to serve labs      │             │
	│  └──────────────────┬───────────────────────────┘             │
	│                     │ fail-closed, no fallback                 │
	│  ┌──────────────────▼───────────────────────────┐             │
	│  │           Selector                            │             │
	│  │  - Current() serves new labs                  │             │
	│  │  - ForLab() re-probes microvm per creation    │             │
	│  │  - Override() admin switch, doctor-gated      │             │
	│  │  - Backend(kind) for teardown by stamp        │             │
	│  └──────┬──────────────────┬──────────────┬─────┘             │
	│         │                  │              │                    │
	│  ┌──────▼──────┐   ┌───────▼──────┐  ┌────▼─────┐             │
	│  │ Compose     │   │ Firecracker  │  │ Noop     │             │
	│  │ docker      │   │ microVM +    │  │ in-memory│             │
	│  │ compose +   │   │ tap + DNAT + │  │ fixture  │             │
	│  │ SDK verify  │   │ vsock agent  │  │          │             │
	│  └─────────────┘   └──────────────┘  └──────────┘             │
	└────────────────────────────────────────────────────────────────┘

# The LabRuntime Contract

CreateLab is idempotent per lab id and may leave partial state on
failure; the provisioner always pairs a failed create with DestroyLab.
DestroyLab never fails on "already gone" and verifies by enumeration:
its TeardownResult claims success only when every resource class is
confirmed absent, with counts saying what remains. ResourcesExist is the
cheap pre-teardown probe that lets the worker short-circuit labs whose
backend state already vanished.

Backends additionally implement EvidenceProber (artifact counting for
the finalizer), ArtifactPurger (retention), and Diagnoser (redacted
failure context for runtime_meta).

# Compose Backend

One lab is one compose project named "octolab_" + the lab id. The
project owns exactly its containers, its lab networks
(octolab_<uuid>_lab_net, _egress_net), and its evidence volumes
(<project>_evidence_user, _evidence_auth, _lab_pcap). Creation runs
"docker compose up -d --wait" through the curated-environment exec
adapter; destruction runs "down --volumes --remove-orphans" and then
asks the engine SDK what actually remains, removing leftover lab
networks one at a time. Nothing is ever pruned globally: every engine
query filters on the project label or the strict lab-network name
pattern.

Failures are classified into sentinels (ErrNetworkPoolExhausted,
ErrPortInUse) by matching engine error text, wrapped in a CommandError
carrying the exit code and redacted stderr.

# Firecracker Backend

One lab is one microVM. State lives under the lab's directory: the
writable rootfs copy, the API and vsock sockets, logs, the pid file,
and the lab token (0600). The VM boots through the firecracker API over
its unix socket (boot source, rootfs drive, tap interface, vsock,
machine config, InstanceStart), jailed unless the dev-unsafe flag says
otherwise. Networking is a deterministic tap device plus one DNAT rule
tagged with the lab comment; readiness is a HELLO/READY handshake with
the in-guest agent over vsock.

Destruction walks three tiers: graceful (SendCtrlAltDel, wait), forced
(SIGTERM then SIGKILL plus targeted cleanup of tap, NAT rule, state
dirs), then verification (process table, link table, iptables chain,
directory). The result reports what the verification found, not what
the cleanup attempted.

# Doctor And Selector

The doctor turns "can this host run backend X right now" into a report
of named checks with severities. FATAL failures gate lab creation; WARN
is advice. Reports carry no absolute paths. The selector consumes the
doctor: startup refuses to boot on a failed preflight, the admin
override re-probes microvm targets, and every microvm creation
re-asserts readiness because device access can degrade while the
service runs. There is no automatic fallback between backends; a broken
backend stays visibly broken.

# Exec Discipline

All subprocess work goes through Runner: argument vectors only (no
shell), a curated environment (PATH, HOME, docker variables, plus the
per-lab launch variables), per-command timeouts, and output that is
secret-redacted and truncated before anyone sees it. Tests inject a
command builder instead of spawning real processes.

# Usage

	runner := runtime.NewRunner()
	doctor := runtime.NewDoctor(cfg, runner)

	backends := map[types.RuntimeKind]runtime.LabRuntime{
		types.RuntimeCompose: runtime.NewComposeBackend(cfg, layout, runner),
		types.RuntimeMicroVM: runtime.NewFirecrackerBackend(cfg, layout, nat),
		types.RuntimeNoop:    runtime.NewNoopBackend(),
	}
	selector, err := runtime.NewSelector(ctx, cfg, doctor, backends)
	if err != nil {
		// startup preflight failed; do not serve labs
	}

	backend, err := selector.ForLab(ctx)
	err = backend.CreateLab(ctx, lab, recipe, env)

# Integration Points

This package integrates with:

  - pkg/manager: the provisioner drives CreateLab and rollback
  - pkg/reconciler: the teardown worker drives DestroyLab by stamp
  - pkg/evidence: finalizer and retention use the prober and purger
  - pkg/network: tap devices and DNAT rules for microVM labs
  - pkg/volume: state directory layout and artifact counting
  - pkg/security: redaction of everything a subprocess prints
*/
package runtime
