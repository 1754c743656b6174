package signer

// HealthStatus mirrors the signer's GET /health response.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Epoch   uint64 `json:"epoch"`
}

type publicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// BatchEntry is one enrollment submitted for signing. Sequence numbers cross
// the wire as decimal strings to avoid precision loss in JSON tooling.
type BatchEntry struct {
	EncryptedIPNSKey string  `json:"encryptedIpnsKey"`
	KeyEpoch         uint64  `json:"keyEpoch"`
	IPNSName         string  `json:"ipnsName"`
	LatestCID        string  `json:"latestCid"`
	SequenceNumber   string  `json:"sequenceNumber"`
	CurrentEpoch     uint64  `json:"currentEpoch"`
	PreviousEpoch    *uint64 `json:"previousEpoch"`
}

type signBatchRequest struct {
	Entries []BatchEntry `json:"entries"`
}

// SignResult is the signer's verdict for one batch entry. The upgraded key
// fields are only set when the signer decided to re-seal the key under a
// newer epoch; the coordinator accepts whatever the signer returns.
type SignResult struct {
	IPNSName             string  `json:"ipnsName"`
	Success              bool    `json:"success"`
	SignedRecord         string  `json:"signedRecord,omitempty"`
	NewSequenceNumber    string  `json:"newSequenceNumber,omitempty"`
	UpgradedEncryptedKey string  `json:"upgradedEncryptedKey,omitempty"`
	UpgradedKeyEpoch     *uint64 `json:"upgradedKeyEpoch,omitempty"`
	Error                string  `json:"error,omitempty"`
}

type signBatchResponse struct {
	Results []SignResult `json:"results"`
}
