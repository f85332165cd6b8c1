/*
Package security provides input hygiene and cryptographic services for
OctoLab labs.

This package implements three capabilities: lab identifier and path hygiene
(the only gate between external input and the filesystem or a subprocess
argument), output redaction for logs and stored diagnostics, and credential
sealing using AES-256-GCM.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                    Security Surfaces                       │
	└──────┬──────────────────────┬──────────────────┬───────────┘
	       │                      │                  │
	       ▼                      ▼                  ▼
	┌──────────────┐      ┌───────────────┐   ┌──────────────┐
	│  Path & ID   │      │   Redaction   │   │   Secrets    │
	│   Hygiene    │      │               │   │   Sealing    │
	└──────┬───────┘      └───────┬───────┘   └──────┬───────┘
	       │                      │                  │
	       ▼                      ▼                  ▼
	  UUIDv4 only           key=*** masks       AES-256-GCM
	  containment check     path shortening     VNC pw, tokens

# Path & ID Hygiene

Every lab ID that arrives from outside the process goes through
ValidateLabID before it is used anywhere. The rules are deliberately
rigid: canonical lowercase UUIDv4, nothing else. IDs are never
concatenated into shell strings; subprocess invocations always pass
discrete argv elements.

Filesystem paths under the state root are built with ResolveUnder /
LabDir, which reject separator-bearing elements and verify the cleaned
result stays inside the base directory. RemoveLabDir re-derives the
target itself and refuses symlinked lab directories, so a compromised
row can not redirect a recursive delete.

# Redaction

Subprocess output (compose stderr, firecracker logs) and diagnostic
strings pass through RedactSecrets and Truncate before they are logged
or stored in a lab's runtime metadata:

	out := security.Sanitize(result.Stderr, 4096)

RedactPath keeps the last two path elements so error messages stay
actionable without describing the host layout.

# Secrets Sealing

SecretsManager encrypts per-lab credentials (VNC password, lab token)
with AES-256-GCM before they are written to a lab row. Nonces are
random per encryption and prepended to the ciphertext. The key is
derived once at startup from the configured internal token:

	sm, err := security.NewSecretsManagerFromPassword(cfg.InternalToken)
	sealed, err := sm.SealString(vncPassword)
	pw, err := sm.OpenString(lab.VNCPasswordEnc)

# Integration Points

  - pkg/manager: validates IDs on every operation, seals credentials
  - pkg/runtime: sanitizes all subprocess output, derives lab dirs
  - pkg/evidence: redacts ingest diagnostics
  - pkg/api: validates IDs before routing to the manager
*/
package security
