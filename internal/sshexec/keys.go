package sshexec

import (
	"fmt"
	"os"

	xssh "golang.org/x/crypto/ssh"
)

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an
// ssh.Signer. Passphrase-protected keys are not supported; unattended runs
// have nobody to type one.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
