package domain

import "time"

// Classification labels the sensitivity of an encrypted value.
type Classification string

const (
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
)

// AlgorithmAES256GCM is the only envelope algorithm currently written.
const AlgorithmAES256GCM = "AES-256-GCM"

// Envelope is an encrypted value at rest. IV is fresh for every encryption.
type Envelope struct {
	Ciphertext     []byte         `json:"ciphertext"`
	IV             []byte         `json:"iv"`
	AuthTag        []byte         `json:"auth_tag"`
	Algorithm      string         `json:"algorithm"`
	Classification Classification `json:"classification"`
	Timestamp      time.Time      `json:"timestamp"`
}
