// Package models defines the wire and persistence types for the federation
// bridge: the signed envelope, its inner message variants, the replay and
// idempotency caches, the delivery ledgers, and the append-only copies of
// accepted federated entities. Types carry JSON tags for API serialization
// and pointer types for nullable columns, matching the PostgreSQL schema.
package models

import "time"

// MessageType enumerates the tagged-union inner message variants carried
// inside a FederationEnvelope's message_data field.
type MessageType string

const (
	MessageTypePostAnnouncement          MessageType = "PostAnnouncement"
	MessageTypeUserRegistration          MessageType = "UserRegistration"
	MessageTypeDayProof                  MessageType = "DayProof"
	MessageTypeModerationEvent           MessageType = "ModerationEvent"
	MessageTypeInstanceJoinRequest       MessageType = "InstanceJoinRequest"
	MessageTypeCommunityCreation         MessageType = "CommunityCreation"
	MessageTypeUserUpdate                MessageType = "UserUpdate"
	MessageTypeCommunityUpdate           MessageType = "CommunityUpdate"
	MessageTypeCommunityMembershipUpdate MessageType = "CommunityMembershipUpdate"
	MessageTypeBlacklistUpdate           MessageType = "BlacklistUpdate"
)

// FederationEnvelope is the outer signed container for any federation
// message exchanged between Stage instances and the bridge. On the wire it
// is a protobuf message (see proto/federation.proto and protocodec.go);
// message_data holds the serialized inner message the signature covers.
type FederationEnvelope struct {
	SenderInstance string      `json:"sender_instance"`
	Nonce          uint64      `json:"nonce"`
	MessageType    MessageType `json:"message_type"`
	MessageData    []byte      `json:"message_data"`
	Signature      []byte      `json:"signature"`
}

// PostAnnouncement announces a newly created post to federated instances.
type PostAnnouncement struct {
	PostID        []byte `json:"post_id"`
	AuthorPubkey  []byte `json:"author_pubkey"`
	ContentHash   []byte `json:"content_hash"`
	OrderIndex    int32  `json:"order_index"`
	CreationDay   int32  `json:"creation_day"`
}

// UserRegistration announces a new user registration to federated instances.
type UserRegistration struct {
	UserPubkey      []byte `json:"user_pubkey"`
	RegistrationDay int32  `json:"registration_day"`
	DayProofHash    []byte `json:"day_proof_hash"`
}

// DayProof carries a canonical or source-reported per-day artifact.
type DayProof struct {
	DayNumber int32  `json:"day_number"`
	Proof     []byte `json:"proof"`
	ProofHash []byte `json:"proof_hash"`
}

// ModerationEvent records a moderation action taken against a target.
type ModerationEvent struct {
	TargetRef   []byte `json:"target_ref"`
	Action      string `json:"action"`
	ReasonHash  []byte `json:"reason_hash"`
	CreationDay int32  `json:"creation_day"`
}

// InstanceJoinRequest introduces a new Stage instance and its verify key.
type InstanceJoinRequest struct {
	InstanceID string `json:"instance_id"`
	PublicKey  []byte `json:"public_key"`
	DayNumber  int32  `json:"day_number"`
}

// CommunityCreation announces a new community to federated instances.
type CommunityCreation struct {
	CommunityID   []byte `json:"community_id"`
	CreatorPubkey []byte `json:"creator_pubkey"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	CreationDay   int32  `json:"creation_day"`
}

// UserUpdate carries an opaque, updated field payload for a known user.
type UserUpdate struct {
	UserPubkey           []byte `json:"user_pubkey"`
	UpdatedFieldsPayload []byte `json:"updated_fields_payload"`
	UpdateDay            int32  `json:"update_day"`
}

// CommunityUpdate carries an opaque, updated field payload for a known community.
type CommunityUpdate struct {
	CommunityID          []byte `json:"community_id"`
	UpdatedFieldsPayload []byte `json:"updated_fields_payload"`
	UpdateDay            int32  `json:"update_day"`
}

// CommunityMembershipUpdate records a join or leave event for a community.
type CommunityMembershipUpdate struct {
	CommunityID []byte `json:"community_id"`
	UserPubkey  []byte `json:"user_pubkey"`
	Action      string `json:"action"` // "join" or "leave"
	UpdateDay   int32  `json:"update_day"`
}

// BlacklistUpdate mutates the TrustStore. Per the bridge's dispatch semantics,
// action="add" removes trust for InstanceID; action="remove" is unsupported.
type BlacklistUpdate struct {
	InstanceID string `json:"instance_id"`
	Action     string `json:"action"`
	DayNumber  int32  `json:"day_number"`
}

// LedgerStatus enumerates the monotonic lifecycle of a delivery ledger row.
type LedgerStatus string

const (
	LedgerStatusQueued    LedgerStatus = "queued"
	LedgerStatusRetrying  LedgerStatus = "retrying"
	LedgerStatusSending   LedgerStatus = "sending"
	LedgerStatusDelivered LedgerStatus = "delivered"
	LedgerStatusFailed    LedgerStatus = "failed"
)

// Terminal reports whether a ledger status is final. Terminal rows never
// transition back to queued or retrying.
func (s LedgerStatus) Terminal() bool {
	return s == LedgerStatusDelivered || s == LedgerStatusFailed
}

// DayProofRecord is the repository's canonical representation of a day proof,
// keyed by day number. Last-writer-wins on upsert.
type DayProofRecord struct {
	Day       int32  `json:"day"`
	Proof     []byte `json:"proof"`
	ProofHash string `json:"proof_hash"`
	Canonical bool   `json:"canonical"`
	Source    string `json:"source"`
	CreatedAt int64  `json:"created_at"`
}

// OutboundFederationLedger tracks a Stage-to-Stage delivery attempt.
type OutboundFederationLedger struct {
	ID                ULID         `json:"id"`
	TargetInstanceURL string       `json:"target_instance_url"`
	MessageType       MessageType  `json:"message_type"`
	RawEnvelope       []byte       `json:"-"`
	Status            LedgerStatus `json:"status"`
	LastAttemptAt     *int64       `json:"last_attempt_at,omitempty"`
	Attempts          int          `json:"attempts"`
	RetryAt           int64        `json:"retry_at"`
	CreatedAt         int64        `json:"created_at"`
}

// ExportLedger tracks an ActivityPub outbound delivery attempt.
type ExportLedger struct {
	ID            ULID         `json:"id"`
	ObjectHash    string       `json:"object_hash"`
	APType        string       `json:"ap_type"`
	TargetURL     string       `json:"target_url"`
	Status        LedgerStatus `json:"status"`
	LastAttemptAt *int64       `json:"last_attempt_at,omitempty"`
	Attempts      int          `json:"attempts"`
	PublishedTS   int64        `json:"published_ts"`
	RetryAt       int64        `json:"retry_at"`
	RawPayload    []byte       `json:"-"`
}

// QuarantinedEnvelope stores a raw envelope that could not be parsed or
// validated, for operator review. Terminal state: envelopes are never
// reprocessed automatically from quarantine.
type QuarantinedEnvelope struct {
	ID            ULID   `json:"id"`
	RawEnvelope   []byte `json:"-"`
	Reason        string `json:"reason"`
	QuarantinedAt int64  `json:"quarantined_at"`
}

// ModerationEventRecord is the durable copy of an accepted ModerationEvent.
type ModerationEventRecord struct {
	ID            string `json:"id"`
	TargetRef     string `json:"target_ref"`
	Action        string `json:"action"`
	ReasonHash    string `json:"reason_hash"`
	CreationDay   int32  `json:"creation_day"`
	RawPayload    []byte `json:"-"`
	StageInstance string `json:"stage_instance"`
	Signature     string `json:"signature"`
	ReceivedAt    int64  `json:"received_at"`
}

// FederatedPost is the append-only copy of an accepted PostAnnouncement.
type FederatedPost struct {
	PostID         string `json:"post_id"`
	AuthorPubkey   string `json:"author_pubkey"`
	ContentHash    string `json:"content_hash"`
	OrderIndex     int32  `json:"order_index"`
	CreationDay    int32  `json:"creation_day"`
	SenderInstance string `json:"sender_instance"`
	ReceivedAt     int64  `json:"received_at"`
}

// RegisteredUser is the append-only copy of an accepted UserRegistration.
type RegisteredUser struct {
	UserPubkey      string `json:"user_pubkey"`
	RegistrationDay int32  `json:"registration_day"`
	DayProofHash    string `json:"day_proof_hash"`
	SenderInstance  string `json:"sender_instance"`
	RegisteredAt    int64  `json:"registered_at"`
}

// FederatedCommunity is the append-only copy of an accepted CommunityCreation.
type FederatedCommunity struct {
	CommunityID    string `json:"community_id"`
	CreatorPubkey  string `json:"creator_pubkey"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	CreationDay    int32  `json:"creation_day"`
	SenderInstance string `json:"sender_instance"`
	ReceivedAt     int64  `json:"received_at"`
}

// FederatedUserUpdate is the append-only copy of an accepted UserUpdate.
type FederatedUserUpdate struct {
	ID                   string `json:"id"`
	UserPubkey           string `json:"user_pubkey"`
	UpdatedFieldsPayload string `json:"updated_fields_payload"`
	UpdateDay            int32  `json:"update_day"`
	SenderInstance       string `json:"sender_instance"`
	ReceivedAt           int64  `json:"received_at"`
}

// FederatedCommunityUpdate is the append-only copy of an accepted CommunityUpdate.
type FederatedCommunityUpdate struct {
	ID                   string `json:"id"`
	CommunityID          string `json:"community_id"`
	UpdatedFieldsPayload string `json:"updated_fields_payload"`
	UpdateDay            int32  `json:"update_day"`
	SenderInstance       string `json:"sender_instance"`
	ReceivedAt           int64  `json:"received_at"`
}

// FederatedCommunityMembership is the append-only copy of an accepted
// CommunityMembershipUpdate.
type FederatedCommunityMembership struct {
	ID             string `json:"id"`
	CommunityID    string `json:"community_id"`
	UserPubkey     string `json:"user_pubkey"`
	Action         string `json:"action"`
	UpdateDay      int32  `json:"update_day"`
	SenderInstance string `json:"sender_instance"`
	ReceivedAt     int64  `json:"received_at"`
}

// Receipt is returned by the Conductor on successful event submission.
type Receipt struct {
	EventHash string `json:"event_hash"`
	Epoch     int32  `json:"epoch"`
}

// Now is overridable in tests; production code always calls time.Now().
var Now = func() time.Time { return time.Now() }
