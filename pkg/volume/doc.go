/*
Package volume manages the on-disk artifact layout under the OctoLab state root.

Every lab leaves files behind: the microVM state directory, the rendered
compose project, evidence artifacts (terminal logs and packet captures),
and exported evidence bundles. This package is the single authority for
where those files live and the only code that deletes them. All paths are
derived through pkg/security containment checks, so a hostile lab ID can
never address anything outside the state root.

# Layout

	<state_root>/
	├── labs/
	│   └── lab_<uuid>/              microVM state (0700)
	│       ├── rootfs.ext4          per-lab copy of the base image
	│       ├── firecracker.sock     VMM control socket
	│       ├── vsock.sock           guest agent socket
	│       ├── firecracker.log
	│       ├── firecracker.pid
	│       ├── lab.token            0600
	│       └── evidence/            artifacts (0700)
	│           ├── terminal-*.log
	│           └── *.pcap
	├── compose/
	│   └── octolab_<uuid>/          rendered compose project (0700)
	│       └── docker-compose.yml
	└── bundles/                     exported evidence bundles

# Core Components

## Layout

Layout resolves and manages paths beneath a single state root:

	layout, err := volume.NewLayout("/var/lib/octolab/state")
	if err != nil {
		return err
	}

	dir, err := layout.EnsureLabDir(lab.ID)       // create microVM state dir
	ev, err := layout.EnsureEvidenceDir(lab.ID)   // create evidence dir

## Artifact Counting

The evidence finalizer decides a lab's evidence state by counting what
actually exists:

	logs, pcaps, err := layout.CountArtifacts(lab.ID)

`*.log` files count as terminal logs, `*.pcap` and `*.pcapng` as packet
captures. A missing evidence directory counts as zero of each; only real
I/O failures surface as errors. Counting never creates anything.

## Purging

Retention removes artifacts while keeping the lab row:

	removed, err := layout.PurgeArtifacts(lab.ID)

Purge deletes the evidence directory recursively and reports how many
artifact files it removed. Purging a lab twice is a no-op.

## Bundle Pruning

Exported bundles under <state_root>/bundles are pruned by age during GC:

	pruned, err := layout.PruneBundles(cutoff, dryRun)

Dry run lists candidates without deleting. Returned names are base names
only, safe to log without path redaction.

# Security Considerations

  - Lab IDs are validated as UUIDv4 before any path is formed
  - All resolution goes through security.ResolveUnder; traversal and
    separator injection fail before the filesystem is touched
  - Lab state directories are 0700: they hold lab tokens and disk images
  - Removal of lab directories refuses symlinked targets

# See Also

  - pkg/security - Path containment and lab ID validation
  - pkg/evidence - Finalizer and retention built on this layout
  - pkg/runtime - MicroVM backend writes its state through this layout
*/
package volume
