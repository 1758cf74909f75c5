package matrix

import (
	"encoding/json"
	"fmt"
)

// credentialSchemaVersion guards the stored payload format.
const credentialSchemaVersion = 1

// credentialPayload is the JSON document persisted in the credential
// store for a Matrix account.
type credentialPayload struct {
	SchemaVersion int    `json:"schema_version"`
	Homeserver    string `json:"homeserver"`
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	AccessToken   string `json:"access_token"`
	PickleKey     []byte `json:"pickle_key"`
}

func decodePayload(raw []byte) (credentialPayload, error) {
	var p credentialPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("matrix: decoding credentials: %w", err)
	}
	if p.SchemaVersion != credentialSchemaVersion {
		return p, fmt.Errorf("matrix: unsupported credential schema %d", p.SchemaVersion)
	}
	if p.Homeserver == "" || p.UserID == "" || p.AccessToken == "" {
		return p, fmt.Errorf("matrix: incomplete credentials")
	}
	return p, nil
}

func (p credentialPayload) encode() ([]byte, error) {
	p.SchemaVersion = credentialSchemaVersion
	return json.Marshal(p)
}
