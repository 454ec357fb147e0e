package types

import (
	"encoding/json"
	"time"
)

// RecordKind discriminates the payload classes that flow through the sync queue.
type RecordKind string

const (
	KindSettings   RecordKind = "settings"
	KindProfile    RecordKind = "profile"
	KindCredential RecordKind = "credential"
)

// TableName returns the backing-store collection for a record kind.
func (k RecordKind) TableName() string {
	switch k {
	case KindSettings:
		return "user_settings"
	case KindProfile:
		return "user_profiles"
	case KindCredential:
		return "user_credentials"
	default:
		return string(k)
	}
}

// Valid reports whether the kind is one of the known record classes.
func (k RecordKind) Valid() bool {
	switch k {
	case KindSettings, KindProfile, KindCredential:
		return true
	}
	return false
}

// Record is one logical syncable record: a flat map of named fields plus the
// updated_at/version pair used as the last-write-wins tie-break input. Local
// cache and remote copy are both expressed as Records so they compare
// field-by-field.
type Record struct {
	Kind         RecordKind           `json:"kind"`
	RecordID     string               `json:"record_id"`
	UserID       string               `json:"user_id"`
	OriginDevice string               `json:"origin_device,omitempty"`
	Fields       map[string]any       `json:"fields"`
	FieldTimes   map[string]time.Time `json:"field_times,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Version      int64                `json:"version"`
}

// Clone returns a copy of the record with its own field maps. Field values are
// JSON-decoded data and are treated as immutable.
func (r Record) Clone() Record {
	out := r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	if r.FieldTimes != nil {
		out.FieldTimes = make(map[string]time.Time, len(r.FieldTimes))
		for k, v := range r.FieldTimes {
			out.FieldTimes[k] = v
		}
	}
	return out
}

// TrustLevel is a device's earned permission tier. Levels only move forward;
// revocation is tracked separately and is absorbing.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustBasic
	TrustTrusted
	TrustVerified
)

var trustLevelNames = map[TrustLevel]string{
	TrustUntrusted: "untrusted",
	TrustBasic:     "basic",
	TrustTrusted:   "trusted",
	TrustVerified:  "verified",
}

func (l TrustLevel) String() string {
	if name, ok := trustLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseTrustLevel converts a wire name back to a TrustLevel.
// Unknown names map to TrustUntrusted.
func ParseTrustLevel(s string) TrustLevel {
	for level, name := range trustLevelNames {
		if name == s {
			return level
		}
	}
	return TrustUntrusted
}

// Device identifies a physical or browser endpoint known to the trust registry.
type Device struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Fingerprint  string     `json:"fingerprint"`
	TrustLevel   TrustLevel `json:"trust_level"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeen     time.Time  `json:"last_seen"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the device has been terminally revoked.
func (d Device) Revoked() bool {
	return d.RevokedAt != nil
}

// SyncSession is the ephemeral per-tab/per-process sync context. Never persisted.
type SyncSession struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	DeviceID      string    `json:"device_id"`
	SecurityLevel string    `json:"security_level"`
	MFAVerified   bool      `json:"mfa_verified"`
	PeriodicSync  bool      `json:"periodic_sync"`
	StartedAt     time.Time `json:"started_at"`
}

// OperationType describes the mutation carried by a queue item.
type OperationType string

const (
	OpCreate     OperationType = "create"
	OpUpdate     OperationType = "update"
	OpDelete     OperationType = "delete"
	OpBulkUpdate OperationType = "bulk_update"
)

// ConflictStrategy selects how divergence between local and remote copies of
// a record is resolved.
type ConflictStrategy string

const (
	StrategyLastWriteWins   ConflictStrategy = "last_write_wins"
	StrategyManualMerge     ConflictStrategy = "manual_merge"
	StrategyUserPrompt      ConflictStrategy = "user_prompt"
	StrategyFieldLevelMerge ConflictStrategy = "field_level_merge"
)

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusConflict   QueueStatus = "conflict"
	StatusCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether the status is final; terminal items are never
// retried automatically.
func (s QueueStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// QueueItem is a single pending mutation awaiting remote confirmation.
type QueueItem struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	DeviceID           string           `json:"device_id"`
	Operation          OperationType    `json:"operation"`
	Kind               RecordKind       `json:"record_kind"`
	RecordID           string           `json:"record_id,omitempty"`
	Payload            json.RawMessage  `json:"payload,omitempty"`
	Strategy           ConflictStrategy `json:"strategy"`
	Priority           int              `json:"priority"`
	Status             QueueStatus      `json:"status"`
	RetryCount         int              `json:"retry_count"`
	MaxRetries         int              `json:"max_retries"`
	ScheduledFor       time.Time        `json:"scheduled_for"`
	Checksum           string           `json:"checksum"`
	EncryptionRequired bool             `json:"encryption_required"`
	Sensitive          bool             `json:"sensitive"`
	BaseVersion        int64            `json:"base_version"`
	LastError          string           `json:"last_error,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// ConflictType classifies detected divergence.
type ConflictType string

const (
	// ConflictField means concurrent edits touched overlapping business fields.
	ConflictField ConflictType = "field_conflict"
	// ConflictTimestamp means only timestamps/versions differ; business fields
	// are identical and resolution is trivial.
	ConflictTimestamp ConflictType = "timestamp_conflict"
	// ConflictVersion means the remote row version moved past the version the
	// local side last read.
	ConflictVersion ConflictType = "version_conflict"
)

// Conflict is produced when local and remote versions of a record diverge.
// QueueItemID links back to the queue item whose write lost the race, so
// resolution can release it.
type Conflict struct {
	ID                string       `json:"id"`
	UserID            string       `json:"user_id"`
	DeviceID          string       `json:"device_id"`
	Kind              RecordKind   `json:"record_kind"`
	RecordID          string       `json:"record_id"`
	Type              ConflictType `json:"conflict_type"`
	ConflictingFields []string     `json:"conflicting_fields"`
	Local             Record       `json:"local"`
	Remote            Record       `json:"remote"`
	QueueItemID       string       `json:"queue_item_id,omitempty"`
	DetectedAt        time.Time    `json:"detected_at"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty"`
	Resolution        string       `json:"resolution,omitempty"`
}

// Pending reports whether the conflict still awaits resolution.
func (c Conflict) Pending() bool {
	return c.ResolvedAt == nil
}

// Resolution is the concrete outcome of resolving a conflict. Merged is always
// a complete record when Success is true; automatic resolution that cannot
// produce a confident merge returns Success=false and escalates to manual.
type Resolution struct {
	Success    bool             `json:"success"`
	Strategy   ConflictStrategy `json:"strategy"`
	Winner     string           `json:"winner"` // "local", "remote", or "merge"
	Merged     Record           `json:"merged"`
	Confidence float64          `json:"confidence"`
	Reason     string           `json:"reason,omitempty"`
}

// ManualChoice enumerates the caller-selectable manual resolution strategies.
type ManualChoice string

const (
	ChoiceTakeLocal   ManualChoice = "take_local"
	ChoiceTakeRemote  ManualChoice = "take_remote"
	ChoiceMergeFields ManualChoice = "merge_fields"
	ChoiceManualEdit  ManualChoice = "manual_edit"
)

// CredentialClass names a sensitive field class with its own trust gate.
type CredentialClass string

const (
	CredentialAPIKey      CredentialClass = "api_key"
	CredentialMFASecret   CredentialClass = "mfa_secret"
	CredentialBackupCodes CredentialClass = "backup_codes"
)

// CredentialBundle is the sensitive subset of a record. Each field is
// encrypted individually so per-field rotation stays possible; the bundle is
// never serialized with plaintext values.
type CredentialBundle struct {
	UserID string                    `json:"user_id"`
	Class  CredentialClass           `json:"class"`
	Fields map[string]EncryptedField `json:"fields"`
}

// EncryptedField is one individually encrypted sensitive value.
type EncryptedField struct {
	Data  []byte `json:"data"`
	Nonce []byte `json:"nonce"`
}

// TriggerReason identifies why a sync pass was started.
type TriggerReason string

const (
	TriggerLogin          TriggerReason = "login"
	TriggerSettingsChange TriggerReason = "settings_change"
	TriggerManual         TriggerReason = "manual"
	TriggerPeriodic       TriggerReason = "periodic"
)

// SyncResult is one domain synchronizer's outcome within a trigger pass.
type SyncResult struct {
	Kind      RecordKind `json:"record_kind"`
	Success   bool       `json:"success"`
	Applied   int        `json:"applied"`
	Enqueued  int        `json:"enqueued"`
	Conflicts int        `json:"conflicts"`
	Error     string     `json:"error,omitempty"`
}

// SyncReport aggregates the fan-out of one trigger across all synchronizers.
type SyncReport struct {
	Reason    TriggerReason `json:"reason"`
	UserID    string        `json:"user_id"`
	DeviceID  string        `json:"device_id"`
	Success   bool          `json:"success"`
	Results   []SyncResult  `json:"results"`
	Conflicts int           `json:"conflicts"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// SyncEvent is the persisted record of one trigger outcome for a device.
type SyncEvent struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	DeviceID  string        `json:"device_id"`
	Reason    TriggerReason `json:"reason"`
	Success   bool          `json:"success"`
	Conflicts int           `json:"conflicts"`
	Detail    string        `json:"detail,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// StatusProjection is the read-only view exposed to the UI.
type StatusProjection struct {
	IsEnabled        bool       `json:"is_enabled"`
	IsOnline         bool       `json:"is_online"`
	CloudConnected   bool       `json:"cloud_connected"`
	DeviceCount      int        `json:"device_count"`
	PendingItems     int        `json:"pending_items"`
	PendingConflicts int        `json:"pending_conflicts"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
}
