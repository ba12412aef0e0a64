package models

// Watermarks device ID to the highest counter durably processed from that device
type Watermarks map[string]int64

// Get the watermark of a device, zero when never seen
func (w Watermarks) Get(deviceID string) int64 {
	if w == nil {
		return 0
	}
	return w[deviceID]
}

// StatusResponse reachability check response
type StatusResponse struct {
	// Status is "success" when the peer is reachable
	Status string `json:"status"`
	// Role the peer's role
	Role NodeRoleENUMType `json:"role"`
	// Device the peer's self-signed descriptor
	Device SyncRecord `json:"device"`
}

// ConnectRequest session bootstrap request
type ConnectRequest struct {
	ClientDeviceID string `json:"client_device_id" validate:"required"`
	ClientVersion  string `json:"client_version,omitempty"`
}

// ConnectResponse session bootstrap response
type ConnectResponse struct {
	SessionID    string     `json:"session_id"`
	ServerNonce  string     `json:"server_nonce"`
	ServerDevice SyncRecord `json:"server_device"`
}

// VerifyRequest session verification request
type VerifyRequest struct {
	SessionID       string `json:"session_id" validate:"required"`
	ClientNonce     string `json:"client_nonce" validate:"required"`
	ClientSignature string `json:"client_signature" validate:"required"`
}

// VerifyResponse session verification response
type VerifyResponse struct {
	SessionID       string `json:"session_id"`
	ServerSignature string `json:"server_signature"`
	// Token bearer token authorizing sync rounds under this session
	Token string `json:"token"`
}

// WatermarksResponse the watermarks a peer holds
type WatermarksResponse struct {
	Watermarks Watermarks `json:"watermarks"`
}

// UploadRequest one batch of records pushed to a peer
type UploadRequest struct {
	SessionID string       `json:"session_id" validate:"required"`
	DeviceID  string       `json:"device_id" validate:"required"`
	Records   []SyncRecord `json:"records" validate:"dive"`
	// Signers self-signed descriptors of the devices which signed the records
	Signers []SyncRecord `json:"signers,omitempty" validate:"dive"`
	// ZoneScope zones the batch is restricted to. Empty means every zone the sender can see.
	ZoneScope []string `json:"zone_scope,omitempty"`
}

// RejectedRecord a record rejected from a batch
type RejectedRecord struct {
	ID     string        `json:"id"`
	Code   SyncErrorCode `json:"code"`
	Reason string        `json:"reason"`
}

// BatchResult outcome of applying one batch
type BatchResult struct {
	// Applied records newly inserted or replaced
	Applied int `json:"applied"`
	// Skipped records already known
	Skipped int `json:"skipped"`
	// Rejected records refused individually
	Rejected []RejectedRecord `json:"rejected"`
	// ServerCounterWatermark the receiver's watermarks after the batch committed
	ServerCounterWatermark Watermarks `json:"server_counter_watermark"`
	// Rewound the receiver joined a zone and dropped its watermarks to fetch its history
	Rewound bool `json:"rewound,omitempty"`
}

// DownloadRequest request for the next page of records a peer is missing
type DownloadRequest struct {
	SessionID  string     `json:"session_id" validate:"required"`
	DeviceID   string     `json:"device_id" validate:"required"`
	Watermarks Watermarks `json:"watermarks"`
	Limit      int        `json:"limit" validate:"gte=1"`
}

// DownloadResponse one page of records
type DownloadResponse struct {
	Records []SyncRecord `json:"records"`
	Signers []SyncRecord `json:"signers,omitempty"`
	// More whether another page is available
	More bool `json:"more"`
}

// RegisterRequest device registration request
type RegisterRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	ZoneID   string `json:"zone_id" validate:"required"`
	// DeviceDescriptor the device's self-signed DEVICE record
	DeviceDescriptor SyncRecord `json:"device_descriptor"`
}

// RegisterResponse device registration response
type RegisterResponse struct {
	DeviceZoneID string `json:"device_zone_id"`
	// Repaired whether a broken prior registration was healed
	Repaired         bool       `json:"repaired"`
	Zone             SyncRecord `json:"zone"`
	DeviceZone       SyncRecord `json:"device_zone"`
	AggregatorDevice SyncRecord `json:"aggregator_device"`
}

// ErrorResponse error body returned by the transport
type ErrorResponse struct {
	Code    SyncErrorCode `json:"code"`
	Message string        `json:"message"`
}

// SyncSummary user visible outcome of one exchange
type SyncSummary struct {
	Uploaded   int              `json:"uploaded"`
	Downloaded int              `json:"downloaded"`
	Errors     int              `json:"errors"`
	Rejected   []RejectedRecord `json:"rejected,omitempty"`
}

// Add fold a batch result into the summary
func (s *SyncSummary) Add(result BatchResult, upload bool) {
	if upload {
		s.Uploaded += result.Applied
	} else {
		s.Downloaded += result.Applied
	}
	s.Errors += len(result.Rejected)
	s.Rejected = append(s.Rejected, result.Rejected...)
}
