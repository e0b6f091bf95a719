package models

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chorus-social/chorus-bridge/internal/wire"
)

// Hand-maintained protobuf codecs for the envelope and every inner message.
// Field numbers are frozen in proto/federation.proto; unknown fields are
// skipped on decode for forward compatibility.

func (e *FederationEnvelope) marshalWire() []byte {
	var b []byte
	b = wire.AppendString(b, 1, e.SenderInstance)
	b = wire.AppendVarint(b, 2, e.Nonce)
	b = wire.AppendString(b, 3, string(e.MessageType))
	b = wire.AppendBytes(b, 4, e.MessageData)
	b = wire.AppendBytes(b, 5, e.Signature)
	return b
}

func (e *FederationEnvelope) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			e.SenderInstance, err = wire.FieldString(value)
		case 2:
			e.Nonce, err = wire.FieldVarint(value)
		case 3:
			var s string
			s, err = wire.FieldString(value)
			e.MessageType = MessageType(s)
		case 4:
			e.MessageData, err = wire.FieldBytes(value)
		case 5:
			e.Signature, err = wire.FieldBytes(value)
		}
		return err
	})
}

func (m *PostAnnouncement) marshalWire() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, m.PostID)
	b = wire.AppendBytes(b, 2, m.AuthorPubkey)
	b = wire.AppendBytes(b, 3, m.ContentHash)
	b = wire.AppendInt32(b, 4, m.OrderIndex)
	b = wire.AppendInt32(b, 5, m.CreationDay)
	return b
}

func (m *PostAnnouncement) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.PostID, err = wire.FieldBytes(value)
		case 2:
			m.AuthorPubkey, err = wire.FieldBytes(value)
		case 3:
			m.ContentHash, err = wire.FieldBytes(value)
		case 4:
			m.OrderIndex, err = wire.FieldInt32(value)
		case 5:
			m.CreationDay, err = wire.FieldInt32(value)
		}
		return err
	})
}

func (m *UserRegistration) marshalWire() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, m.UserPubkey)
	b = wire.AppendInt32(b, 2, m.RegistrationDay)
	b = wire.AppendBytes(b, 3, m.DayProofHash)
	return b
}

func (m *UserRegistration) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.UserPubkey, err = wire.FieldBytes(value)
		case 2:
			m.RegistrationDay, err = wire.FieldInt32(value)
		case 3:
			m.DayProofHash, err = wire.FieldBytes(value)
		}
		return err
	})
}

func (m *DayProof) marshalWire() []byte {
	var b []byte
	b = wire.AppendInt32(b, 1, m.DayNumber)
	b = wire.AppendBytes(b, 2, m.Proof)
	b = wire.AppendBytes(b, 3, m.ProofHash)
	return b
}

func (m *DayProof) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.DayNumber, err = wire.FieldInt32(value)
		case 2:
			m.Proof, err = wire.FieldBytes(value)
		case 3:
			m.ProofHash, err = wire.FieldBytes(value)
		}
		return err
	})
}

func (m *ModerationEvent) marshalWire() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, m.TargetRef)
	b = wire.AppendString(b, 2, m.Action)
	b = wire.AppendBytes(b, 3, m.ReasonHash)
	b = wire.AppendInt32(b, 4, m.CreationDay)
	return b
}

func (m *ModerationEvent) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.TargetRef, err = wire.FieldBytes(value)
		case 2:
			m.Action, err = wire.FieldString(value)
		case 3:
			m.ReasonHash, err = wire.FieldBytes(value)
		case 4:
			m.CreationDay, err = wire.FieldInt32(value)
		}
		return err
	})
}

func (m *InstanceJoinRequest) marshalWire() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.InstanceID)
	b = wire.AppendBytes(b, 2, m.PublicKey)
	b = wire.AppendInt32(b, 3, m.DayNumber)
	return b
}

func (m *InstanceJoinRequest) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.InstanceID, err = wire.FieldString(value)
		case 2:
			m.PublicKey, err = wire.FieldBytes(value)
		case 3:
			m.DayNumber, err = wire.FieldInt32(value)
		}
		return err
	})
}

func (m *CommunityCreation) marshalWire() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, m.CommunityID)
	b = wire.AppendBytes(b, 2, m.CreatorPubkey)
	b = wire.AppendString(b, 3, m.Name)
	b = wire.AppendString(b, 4, m.Description)
	b = wire.AppendInt32(b, 5, m.CreationDay)
	return b
}

func (m *CommunityCreation) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.CommunityID, err = wire.FieldBytes(value)
		case 2:
			m.CreatorPubkey, err = wire.FieldBytes(value)
		case 3:
			m.Name, err = wire.FieldString(value)
		case 4:
			m.Description, err = wire.FieldString(value)
		case 5:
			m.CreationDay, err = wire.FieldInt32(value)
		}
		return err
	})
}

func (m *UserUpdate) marshalWire() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, m.UserPubkey)
	b = wire.AppendBytes(b, 2, m.UpdatedFieldsPayload)
	b = wire.AppendInt32(b, 3, m.UpdateDay)
	return b
}

func (m *UserUpdate) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.UserPubkey, err = wire.FieldBytes(value)
		case 2:
			m.UpdatedFieldsPayload, err = wire.FieldBytes(value)
		case 3:
			m.UpdateDay, err = wire.FieldInt32(value)
		}
		return err
	})
}

func (m *CommunityUpdate) marshalWire() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, m.CommunityID)
	b = wire.AppendBytes(b, 2, m.UpdatedFieldsPayload)
	b = wire.AppendInt32(b, 3, m.UpdateDay)
	return b
}

func (m *CommunityUpdate) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.CommunityID, err = wire.FieldBytes(value)
		case 2:
			m.UpdatedFieldsPayload, err = wire.FieldBytes(value)
		case 3:
			m.UpdateDay, err = wire.FieldInt32(value)
		}
		return err
	})
}

func (m *CommunityMembershipUpdate) marshalWire() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, m.CommunityID)
	b = wire.AppendBytes(b, 2, m.UserPubkey)
	b = wire.AppendString(b, 3, m.Action)
	b = wire.AppendInt32(b, 4, m.UpdateDay)
	return b
}

func (m *CommunityMembershipUpdate) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.CommunityID, err = wire.FieldBytes(value)
		case 2:
			m.UserPubkey, err = wire.FieldBytes(value)
		case 3:
			m.Action, err = wire.FieldString(value)
		case 4:
			m.UpdateDay, err = wire.FieldInt32(value)
		}
		return err
	})
}

func (m *BlacklistUpdate) marshalWire() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.InstanceID)
	b = wire.AppendString(b, 2, m.Action)
	b = wire.AppendInt32(b, 3, m.DayNumber)
	return b
}

func (m *BlacklistUpdate) unmarshalWire(data []byte) error {
	return wire.EachField(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		var err error
		switch num {
		case 1:
			m.InstanceID, err = wire.FieldString(value)
		case 2:
			m.Action, err = wire.FieldString(value)
		case 3:
			m.DayNumber, err = wire.FieldInt32(value)
		}
		return err
	})
}
