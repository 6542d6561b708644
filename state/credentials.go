package state

import (
	"encoding/hex"
	"fmt"
)

// CredentialConfig is a credential issued by Issuer, hex encoded.
type CredentialConfig struct {
	Issuer            string `json:"issuer"`
	EncodedCredential string `json:"encoded_credential"`
}

// NewCredentialConfig hex encodes credential.
func NewCredentialConfig(issuer string, credential []byte) CredentialConfig {
	return CredentialConfig{Issuer: issuer, EncodedCredential: hex.EncodeToString(credential)}
}

// Credential returns the decoded credential bytes.
func (c CredentialConfig) Credential() ([]byte, error) {
	b, err := hex.DecodeString(c.EncodedCredential)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to hex decode credential: %v", ErrInvalidState, err)
	}
	return b, nil
}
