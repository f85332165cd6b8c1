/*
Package config loads and validates the OctoLab lifecycle core configuration.

All settings come from OCTOLAB_* environment variables; Load applies
defaults for anything unset and Validate enforces the documented ranges.
The binaries optionally read a .env file via godotenv before calling Load,
which keeps development setups out of shell profiles.

# Usage

	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err.Error())
	}

# Key Settings

  - OCTOLAB_RUNTIME: compose | microvm | noop (firecracker aliases microvm).
    Required; there is no fallback between runtimes.
  - OCTOLAB_PORT_MIN / OCTOLAB_PORT_MAX: published port range, [1024,65535].
  - OCTOLAB_STARTUP_TIMEOUT_SECONDS: provision deadline, clamped [30,600].
  - OCTOLAB_TEARDOWN_TIMEOUT_SECONDS: destroy deadline, clamped [10,600].
  - OCTOLAB_INTERNAL_TOKEN: shared secret for the internal API, required,
    also the key material for sealing lab credentials at rest.
  - OCTOLAB_DEV_UNSAFE_ALLOW_NO_JAILER: downgrades the missing-jailer
    doctor check to a warning on development hosts. Never set in
    production.

Validation failures name the offending variable and the allowed range so
a misconfigured deployment fails at startup, not mid-provision.
*/
package config
