package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type toolFingerprintInput struct {
	Name            string         `json:"name"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Method          string         `json:"method"`
	Path            string         `json:"path"`
	InputSchema     map[string]any `json:"inputSchema"`
	BodyContentType string         `json:"bodyContentType"`
}

// ToolFingerprint hashes the upstream-visible shape of an operation.
// encoding/json sorts map keys, so the hash is stable for semantically
// identical schemas regardless of upstream key ordering.
func ToolFingerprint(op RawOperation) (string, error) {
	input := toolFingerprintInput{
		Name:            op.Name,
		Title:           op.Title,
		Description:     op.Description,
		Method:          op.Method,
		Path:            op.Path,
		InputSchema:     op.InputSchema,
		BodyContentType: op.BodyContentType,
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal tool fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
