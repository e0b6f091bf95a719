package models

import (
	"encoding/hex"
	"fmt"
)

// ErrEnvelopeParse wraps all envelope decoding failures so callers can treat
// "bad bytes" uniformly regardless of which field was unreadable.
var ErrEnvelopeParse = fmt.Errorf("models: invalid federation envelope")

// ParseEnvelope decodes the binary wire form of a FederationEnvelope
// (protobuf, schema in proto/federation.proto). All fields except nonce are
// required.
func ParseEnvelope(data []byte) (*FederationEnvelope, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if len(env.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrEnvelopeParse)
	}
	return env, nil
}

// ParseEnvelopeUnsigned decodes an envelope that is allowed to carry an empty
// signature: the form the outbound ledger stores before the delivery worker
// re-signs at send time.
func ParseEnvelopeUnsigned(data []byte) (*FederationEnvelope, error) {
	return parseEnvelope(data)
}

func parseEnvelope(data []byte) (*FederationEnvelope, error) {
	var env FederationEnvelope
	if err := env.unmarshalWire(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeParse, err)
	}
	if env.SenderInstance == "" {
		return nil, fmt.Errorf("%w: missing sender_instance", ErrEnvelopeParse)
	}
	if env.MessageType == "" {
		return nil, fmt.Errorf("%w: missing message_type", ErrEnvelopeParse)
	}
	if len(env.MessageData) == 0 {
		return nil, fmt.Errorf("%w: missing message_data", ErrEnvelopeParse)
	}
	return &env, nil
}

// Encode serializes the envelope to its binary wire form.
func (e *FederationEnvelope) Encode() ([]byte, error) {
	return e.marshalWire(), nil
}

// DecodeInner deserializes message_data into the typed inner message for the
// given message type. Unknown types return ErrEnvelopeParse.
func DecodeInner(messageType MessageType, messageData []byte) (any, error) {
	var inner interface {
		unmarshalWire(data []byte) error
	}
	switch messageType {
	case MessageTypePostAnnouncement:
		inner = &PostAnnouncement{}
	case MessageTypeUserRegistration:
		inner = &UserRegistration{}
	case MessageTypeDayProof:
		inner = &DayProof{}
	case MessageTypeModerationEvent:
		inner = &ModerationEvent{}
	case MessageTypeInstanceJoinRequest:
		inner = &InstanceJoinRequest{}
	case MessageTypeCommunityCreation:
		inner = &CommunityCreation{}
	case MessageTypeUserUpdate:
		inner = &UserUpdate{}
	case MessageTypeCommunityUpdate:
		inner = &CommunityUpdate{}
	case MessageTypeCommunityMembershipUpdate:
		inner = &CommunityMembershipUpdate{}
	case MessageTypeBlacklistUpdate:
		inner = &BlacklistUpdate{}
	default:
		return nil, fmt.Errorf("%w: unknown message_type %q", ErrEnvelopeParse, messageType)
	}
	if err := inner.unmarshalWire(messageData); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrEnvelopeParse, messageType, err)
	}
	return inner, nil
}

// EncodeInner serializes a typed inner message to its binary wire form.
func EncodeInner(inner any) ([]byte, error) {
	m, ok := inner.(interface{ marshalWire() []byte })
	if !ok {
		return nil, fmt.Errorf("models: no wire codec for %T", inner)
	}
	return m.marshalWire(), nil
}

// Epoch extracts the Conductor epoch from an inner message: the day field
// whose name depends on the message variant. Wall-clock time is never used;
// a message with no day field is an error, not a silent default.
func Epoch(inner any) (int32, error) {
	switch m := inner.(type) {
	case *PostAnnouncement:
		return m.CreationDay, nil
	case *UserRegistration:
		return m.RegistrationDay, nil
	case *DayProof:
		return m.DayNumber, nil
	case *ModerationEvent:
		return m.CreationDay, nil
	case *InstanceJoinRequest:
		return m.DayNumber, nil
	case *CommunityCreation:
		return m.CreationDay, nil
	case *UserUpdate:
		return m.UpdateDay, nil
	case *CommunityUpdate:
		return m.UpdateDay, nil
	case *CommunityMembershipUpdate:
		return m.UpdateDay, nil
	case *BlacklistUpdate:
		return m.DayNumber, nil
	}
	return 0, fmt.Errorf("%w: no day field on %T", ErrEnvelopeParse, inner)
}

// NaturalKey returns the canonical natural-key tuple for an inner message,
// used to derive the deterministic outbound nonce. Two bridges observing the
// same inner event must produce the same key.
func NaturalKey(inner any) (string, error) {
	switch m := inner.(type) {
	case *PostAnnouncement:
		return fmt.Sprintf("%s-%d-%d", hex.EncodeToString(m.PostID), m.CreationDay, m.OrderIndex), nil
	case *UserRegistration:
		return fmt.Sprintf("%s-%d", hex.EncodeToString(m.UserPubkey), m.RegistrationDay), nil
	case *DayProof:
		return fmt.Sprintf("%d-%s", m.DayNumber, hex.EncodeToString(m.ProofHash)), nil
	case *ModerationEvent:
		return fmt.Sprintf("%s-%s-%d", hex.EncodeToString(m.TargetRef), m.Action, m.CreationDay), nil
	case *InstanceJoinRequest:
		return fmt.Sprintf("%s-%d", m.InstanceID, m.DayNumber), nil
	case *CommunityCreation:
		return fmt.Sprintf("%s-%d", hex.EncodeToString(m.CommunityID), m.CreationDay), nil
	case *UserUpdate:
		return fmt.Sprintf("%s-%d", hex.EncodeToString(m.UserPubkey), m.UpdateDay), nil
	case *CommunityUpdate:
		return fmt.Sprintf("%s-%d", hex.EncodeToString(m.CommunityID), m.UpdateDay), nil
	case *CommunityMembershipUpdate:
		return fmt.Sprintf("%s-%s-%s-%d", hex.EncodeToString(m.CommunityID), hex.EncodeToString(m.UserPubkey), m.Action, m.UpdateDay), nil
	case *BlacklistUpdate:
		return fmt.Sprintf("%s-%s-%d", m.InstanceID, m.Action, m.DayNumber), nil
	}
	return "", fmt.Errorf("%w: no natural key for %T", ErrEnvelopeParse, inner)
}
