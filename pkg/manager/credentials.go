package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/types"
)

// labCredentials are the per-lab secrets issued at creation time. They
// exist in plaintext only transiently: sealed into the lab row at rest,
// unsealed again to build the launch environment, never logged.
type labCredentials struct {
	vncPassword string // empty when VNC auth mode is "none"
	labToken    string
}

// GenerateLabToken returns a random 64-character hex token. The in-lab
// evidence agent presents it when uploading session events.
func GenerateLabToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate lab token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// issueCredentials generates fresh secrets for a new lab according to
// the configured VNC auth mode.
func issueCredentials(vncAuthMode string) (*labCredentials, error) {
	creds := &labCredentials{}

	if vncAuthMode == "password" {
		password, err := security.GenerateVNCPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to generate vnc password: %w", err)
		}
		creds.vncPassword = password
	}

	token, err := GenerateLabToken()
	if err != nil {
		return nil, err
	}
	creds.labToken = token

	return creds, nil
}

// sealCredentials encrypts the credentials into the lab row fields.
func sealCredentials(secrets *security.SecretsManager, lab *types.Lab, creds *labCredentials) error {
	if creds.vncPassword != "" {
		sealed, err := secrets.SealString(creds.vncPassword)
		if err != nil {
			return fmt.Errorf("failed to seal vnc password: %w", err)
		}
		lab.VNCPasswordEnc = sealed
	}

	sealed, err := secrets.SealString(creds.labToken)
	if err != nil {
		return fmt.Errorf("failed to seal lab token: %w", err)
	}
	lab.LabTokenEnc = sealed

	return nil
}

// openCredentials decrypts the credentials stored on a lab row. A row
// without a sealed VNC password yields an empty password, which the
// runtimes treat as auth mode "none".
func openCredentials(secrets *security.SecretsManager, lab *types.Lab) (*labCredentials, error) {
	creds := &labCredentials{}

	if len(lab.VNCPasswordEnc) > 0 {
		password, err := secrets.OpenString(lab.VNCPasswordEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to open vnc password: %w", err)
		}
		creds.vncPassword = password
	}

	if len(lab.LabTokenEnc) > 0 {
		token, err := secrets.OpenString(lab.LabTokenEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to open lab token: %w", err)
		}
		creds.labToken = token
	}

	return creds, nil
}
