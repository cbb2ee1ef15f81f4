package core

// wire_messages.go – the protobuf message catalogue for the wire layer.
// Each message's Marshal/Unmarshal is written directly against
// github.com/gogo/protobuf/proto's Buffer primitives for encoding (the same
// varint/length-delimited wire format generated code produces), keeping the
// catalogue free of a codegen step. Decoding uses a small hand-rolled
// cursor over encoding/binary.Uvarint instead of Buffer's decode methods,
// because Buffer does not expose the remaining-length check a field-loop
// needs to know when a message's fields are exhausted.

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/gogo/protobuf/proto"
)

// StatusCode is the exhaustive set of wire response statuses.
type StatusCode uint32

const (
	StatusOk StatusCode = iota
	StatusErrorProtocolViolation
	StatusErrorUnsupported
	StatusErrorBadRole
	StatusErrorBadConversationState
	StatusErrorInvalidSignature
	StatusErrorInvalidValue
	StatusErrorQuotaExceeded
	StatusErrorAlreadyExists
	StatusErrorNotFound
	StatusErrorUninitialized
	StatusErrorRejected
	StatusErrorBusy
	StatusErrorInternal
)

var statusNames = map[StatusCode]string{
	StatusOk:                        "Ok",
	StatusErrorProtocolViolation:    "ErrorProtocolViolation",
	StatusErrorUnsupported:          "ErrorUnsupported",
	StatusErrorBadRole:              "ErrorBadRole",
	StatusErrorBadConversationState: "ErrorBadConversationState",
	StatusErrorInvalidSignature:     "ErrorInvalidSignature",
	StatusErrorInvalidValue:         "ErrorInvalidValue",
	StatusErrorQuotaExceeded:        "ErrorQuotaExceeded",
	StatusErrorAlreadyExists:        "ErrorAlreadyExists",
	StatusErrorNotFound:             "ErrorNotFound",
	StatusErrorUninitialized:        "ErrorUninitialized",
	StatusErrorRejected:             "ErrorRejected",
	StatusErrorBusy:                 "ErrorBusy",
	StatusErrorInternal:             "ErrorInternal",
}

func (s StatusCode) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "ErrorUnknown"
}

// MessageKind tags an Envelope's payload type.
type MessageKind uint32

const (
	KindPing MessageKind = iota + 1
	KindListRoles
	KindStartConversation
	KindVerifyIdentity
	KindCheckIn
	KindGetProfileInformation
	KindHostingRegister
	KindUpdateProfile
	KindCancelHosting
	KindSearch
	KindStartNeighborhoodInitialization
	KindNeighborhoodSharedProfileUpdate
	KindFinishNeighborhoodInitialization
	// KindNeighborhoodUpdatePush carries a single follower-direction
	// NeighborhoodAction pushed by a neighborhood worker over
	// an established SrNeighbor conversation, outside the bulk-transfer
	// handshake KindStartNeighborhoodInitialization begins.
	KindNeighborhoodUpdatePush
	// KindSearchContinuation fetches the next page of a truncated Search
	// response by its opaque continuation token.
	KindSearchContinuation
	KindGetIdentityRelationships
	KindAddRelatedIdentity
	KindRemoveRelatedIdentity

	kindLast = KindRemoveRelatedIdentity
)

var errTruncated = errors.New("wire: truncated message")

// --- low level field helpers ---

const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
)

func encodeTag(buf *proto.Buffer, field int, wireType int) {
	_ = buf.EncodeVarint(uint64(field)<<3 | uint64(wireType))
}

func encodeVarintField(buf *proto.Buffer, field int, v uint64) {
	if v == 0 {
		return
	}
	encodeTag(buf, field, wireVarint)
	_ = buf.EncodeVarint(v)
}

func encodeBoolField(buf *proto.Buffer, field int, v bool) {
	if !v {
		return
	}
	encodeTag(buf, field, wireVarint)
	_ = buf.EncodeVarint(1)
}

func encodeBytesField(buf *proto.Buffer, field int, v []byte) {
	if len(v) == 0 {
		return
	}
	encodeTag(buf, field, wireBytes)
	_ = buf.EncodeRawBytes(v)
}

func encodeStringField(buf *proto.Buffer, field int, v string) {
	if v == "" {
		return
	}
	encodeTag(buf, field, wireBytes)
	_ = buf.EncodeStringBytes(v)
}

func zigzagEncode(n int64) uint64 { return uint64((n << 1) ^ (n >> 63)) }
func zigzagDecode(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

func encodeSintField(buf *proto.Buffer, field int, n int64) {
	encodeVarintField(buf, field, zigzagEncode(n))
}

func encodeFixed64Field(buf *proto.Buffer, field int, bits uint64) {
	if bits == 0 {
		return
	}
	encodeTag(buf, field, wireFixed64)
	_ = buf.EncodeFixed64(bits)
}

func encodeFloat64Field(buf *proto.Buffer, field int, v float64) {
	if v == 0 {
		return
	}
	encodeFixed64Field(buf, field, math.Float64bits(v))
}

// fieldCursor decodes a protobuf-wire-format byte slice field by field.
type fieldCursor struct {
	data []byte
	pos  int
}

func newFieldCursor(data []byte) *fieldCursor { return &fieldCursor{data: data} }

func (c *fieldCursor) hasMore() bool { return c.pos < len(c.data) }

func (c *fieldCursor) readVarint() (uint64, error) {
	if c.pos >= len(c.data) {
		return 0, errTruncated
	}
	v, n := binary.Uvarint(c.data[c.pos:])
	if n <= 0 {
		return 0, errTruncated
	}
	c.pos += n
	return v, nil
}

func (c *fieldCursor) readTag() (field, wireType int, err error) {
	v, err := c.readVarint()
	if err != nil {
		return 0, 0, err
	}
	return int(v >> 3), int(v & 7), nil
}

func (c *fieldCursor) readBytes() ([]byte, error) {
	n, err := c.readVarint()
	if err != nil {
		return nil, err
	}
	end := c.pos + int(n)
	if n > uint64(len(c.data)-c.pos) || end < c.pos {
		return nil, errTruncated
	}
	b := c.data[c.pos:end]
	c.pos = end
	return b, nil
}

func (c *fieldCursor) readFixed64() (uint64, error) {
	if len(c.data)-c.pos < 8 {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint64(c.data[c.pos : c.pos+8])
	c.pos += 8
	return v, nil
}

func (c *fieldCursor) skip(wireType int) error {
	switch wireType {
	case wireVarint:
		_, err := c.readVarint()
		return err
	case wireBytes:
		_, err := c.readBytes()
		return err
	case wireFixed64:
		_, err := c.readFixed64()
		return err
	default:
		return errTruncated
	}
}

// --- Envelope: the outer MessageWithHeader.Body ---

type Envelope struct {
	RequestID  uint32
	Kind       MessageKind
	IsResponse bool
	Status     StatusCode
	Payload    []byte
	Signature  []byte
}

func (e *Envelope) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeVarintField(buf, 1, uint64(e.RequestID))
	encodeVarintField(buf, 2, uint64(e.Kind))
	encodeBoolField(buf, 3, e.IsResponse)
	encodeVarintField(buf, 4, uint64(e.Status))
	encodeBytesField(buf, 5, e.Payload)
	encodeBytesField(buf, 6, e.Signature)
	return buf.Bytes()
}

func (e *Envelope) Unmarshal(data []byte) error {
	*e = Envelope{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			e.RequestID = uint32(v)
		case 2:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			e.Kind = MessageKind(v)
		case 3:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			e.IsResponse = v != 0
		case 4:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			e.Status = StatusCode(v)
		case 5:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			e.Payload = append([]byte(nil), b...)
		case 6:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			e.Signature = append([]byte(nil), b...)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- ResponseMsg: the generic ack body used by most responses ---

type ResponseMsg struct {
	Status  StatusCode
	Message string
}

func (m *ResponseMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeVarintField(buf, 1, uint64(m.Status))
	encodeStringField(buf, 2, m.Message)
	return buf.Bytes()
}

func (m *ResponseMsg) Unmarshal(data []byte) error {
	*m = ResponseMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.Status = StatusCode(v)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.Message = string(b)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Ping ---

type PingMsg struct{ Nonce uint64 }

func (m *PingMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeVarintField(buf, 1, m.Nonce)
	return buf.Bytes()
}

func (m *PingMsg) Unmarshal(data []byte) error {
	*m = PingMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		if field == 1 {
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.Nonce = v
			continue
		}
		if err := c.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

type PingResponseMsg struct {
	Nonce          uint64
	ServerUnixNano int64
}

func (m *PingResponseMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeVarintField(buf, 1, m.Nonce)
	encodeSintField(buf, 2, m.ServerUnixNano)
	return buf.Bytes()
}

func (m *PingResponseMsg) Unmarshal(data []byte) error {
	*m = PingResponseMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.Nonce = v
		case 2:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.ServerUnixNano = zigzagDecode(v)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- ListRoles ---

// ListRolesMsg carries no fields; the request shape exists purely so the
// conversation dispatcher (core/conversation.go) has a symmetrical type to
// switch on.
type ListRolesMsg struct{}

func (m *ListRolesMsg) Marshal() []byte        { return nil }
func (m *ListRolesMsg) Unmarshal([]byte) error { return nil }

type RoleInfo struct {
	Role string
	Port uint32
}

type ListRolesResponseMsg struct {
	ProtocolVersion uint32
	Roles           []RoleInfo
}

func (m *ListRolesResponseMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeVarintField(buf, 1, uint64(m.ProtocolVersion))
	for _, r := range m.Roles {
		rb := proto.NewBuffer(nil)
		encodeStringField(rb, 1, r.Role)
		encodeVarintField(rb, 2, uint64(r.Port))
		encodeBytesField(buf, 2, rb.Bytes())
	}
	return buf.Bytes()
}

func (m *ListRolesResponseMsg) Unmarshal(data []byte) error {
	*m = ListRolesResponseMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.ProtocolVersion = uint32(v)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			var r RoleInfo
			rc := newFieldCursor(b)
			for rc.hasMore() {
				rf, rw, err := rc.readTag()
				if err != nil {
					return err
				}
				switch rf {
				case 1:
					rb, err := rc.readBytes()
					if err != nil {
						return err
					}
					r.Role = string(rb)
				case 2:
					rv, err := rc.readVarint()
					if err != nil {
						return err
					}
					r.Port = uint32(rv)
				default:
					if err := rc.skip(rw); err != nil {
						return err
					}
				}
			}
			m.Roles = append(m.Roles, r)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- StartConversation ---

type StartConversationMsg struct {
	PublicKey         []byte
	Challenge         []byte
	SupportedVersions []uint32
}

func (m *StartConversationMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.PublicKey)
	encodeBytesField(buf, 2, m.Challenge)
	for _, v := range m.SupportedVersions {
		encodeVarintField(buf, 3, uint64(v))
	}
	return buf.Bytes()
}

func (m *StartConversationMsg) Unmarshal(data []byte) error {
	*m = StartConversationMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.PublicKey = append([]byte(nil), b...)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.Challenge = append([]byte(nil), b...)
		case 3:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.SupportedVersions = append(m.SupportedVersions, uint32(v))
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

type StartConversationResponseMsg struct {
	PublicKey       []byte
	Challenge       []byte
	SelectedVersion uint32
}

func (m *StartConversationResponseMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.PublicKey)
	encodeBytesField(buf, 2, m.Challenge)
	encodeVarintField(buf, 3, uint64(m.SelectedVersion))
	return buf.Bytes()
}

func (m *StartConversationResponseMsg) Unmarshal(data []byte) error {
	*m = StartConversationResponseMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.PublicKey = append([]byte(nil), b...)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.Challenge = append([]byte(nil), b...)
		case 3:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.SelectedVersion = uint32(v)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- VerifyIdentity ---

type VerifyIdentityMsg struct {
	PublicKey          []byte
	ChallengeSignature []byte
}

func (m *VerifyIdentityMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.PublicKey)
	encodeBytesField(buf, 2, m.ChallengeSignature)
	return buf.Bytes()
}

func (m *VerifyIdentityMsg) Unmarshal(data []byte) error {
	*m = VerifyIdentityMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.PublicKey = append([]byte(nil), b...)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ChallengeSignature = append([]byte(nil), b...)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- CheckIn ---

type CheckInMsg struct{ IdentityID IdentityID }

func (m *CheckInMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.IdentityID[:])
	return buf.Bytes()
}

func (m *CheckInMsg) Unmarshal(data []byte) error {
	*m = CheckInMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		if field == 1 {
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(m.IdentityID[:], b)
			continue
		}
		if err := c.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

// CheckInResponseMsg carries the signed conversation token (wire.go) issued
// alongside a successful CheckIn, so the customer can later prove to a peer
// this server named it a hosted identity (e.g. after a CancelHosting
// redirect) without replaying the full handshake.
type CheckInResponseMsg struct {
	TokenIdentityID        IdentityID
	TokenIssuedAtUnixNano  int64
	TokenExpiresAtUnixNano int64
	TokenSignature         []byte
}

func (m *CheckInResponseMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.TokenIdentityID[:])
	encodeSintField(buf, 2, m.TokenIssuedAtUnixNano)
	encodeSintField(buf, 3, m.TokenExpiresAtUnixNano)
	encodeBytesField(buf, 4, m.TokenSignature)
	return buf.Bytes()
}

func (m *CheckInResponseMsg) Unmarshal(data []byte) error {
	*m = CheckInResponseMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(m.TokenIdentityID[:], b)
		case 2:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.TokenIssuedAtUnixNano = zigzagDecode(v)
		case 3:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.TokenExpiresAtUnixNano = zigzagDecode(v)
		case 4:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.TokenSignature = append([]byte(nil), b...)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- GetProfileInformation ---

type GetProfileInformationMsg struct {
	IdentityID   IdentityID
	IncludeImage bool
}

func (m *GetProfileInformationMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.IdentityID[:])
	encodeBoolField(buf, 2, m.IncludeImage)
	return buf.Bytes()
}

func (m *GetProfileInformationMsg) Unmarshal(data []byte) error {
	*m = GetProfileInformationMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(m.IdentityID[:], b)
		case 2:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.IncludeImage = v != 0
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

type GetProfileInformationResponseMsg struct {
	ProfileBytes    []byte
	ImageBytes      []byte
	ThumbnailBytes  []byte
	HostingServerID IdentityID

	// Hosted is false when the identity is no longer served here and
	// HostingServerID carries the redirect target recorded at cancellation.
	Hosted bool
}

func (m *GetProfileInformationResponseMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.ProfileBytes)
	encodeBytesField(buf, 2, m.ImageBytes)
	encodeBytesField(buf, 3, m.ThumbnailBytes)
	encodeBytesField(buf, 4, m.HostingServerID[:])
	encodeBoolField(buf, 5, m.Hosted)
	return buf.Bytes()
}

func (m *GetProfileInformationResponseMsg) Unmarshal(data []byte) error {
	*m = GetProfileInformationResponseMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ProfileBytes = append([]byte(nil), b...)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ImageBytes = append([]byte(nil), b...)
		case 3:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ThumbnailBytes = append([]byte(nil), b...)
		case 4:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(m.HostingServerID[:], b)
		case 5:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.Hosted = v != 0
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- HostingRegister ---

type HostingRegisterMsg struct{ PublicKey []byte }

func (m *HostingRegisterMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.PublicKey)
	return buf.Bytes()
}

func (m *HostingRegisterMsg) Unmarshal(data []byte) error {
	*m = HostingRegisterMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		if field == 1 {
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.PublicKey = append([]byte(nil), b...)
			continue
		}
		if err := c.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

// --- UpdateProfile ---

// UpdateProfileMsg carries a presence flag alongside each optional field so
// a delta can distinguish "unchanged" from "set to the zero value".
type UpdateProfileMsg struct {
	HasVersion bool
	Version    Version

	HasName bool
	Name    string

	HasType bool
	Type    string

	HasExtraData bool
	ExtraData    []byte

	HasLocation bool
	Location    Location

	HasProfileImageHash bool
	ProfileImageHash    []byte

	HasThumbnailHash bool
	ThumbnailHash    []byte

	// ProfileImageData/ThumbnailImageData, when non-empty, are staged
	// against their declared hash before the delta is applied.
	ProfileImageData   []byte
	ThumbnailImageData []byte

	Signature     []byte
	NoPropagation bool
}

func (m *UpdateProfileMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	if m.HasVersion {
		encodeBytesField(buf, 1, m.Version[:])
	}
	if m.HasName {
		encodeTag(buf, 2, wireBytes)
		_ = buf.EncodeStringBytes(m.Name)
	}
	if m.HasType {
		encodeTag(buf, 3, wireBytes)
		_ = buf.EncodeStringBytes(m.Type)
	}
	if m.HasExtraData {
		encodeTag(buf, 4, wireBytes)
		_ = buf.EncodeRawBytes(m.ExtraData)
	}
	if m.HasLocation {
		encodeTag(buf, 5, wireVarint)
		_ = buf.EncodeVarint(zigzagEncode(int64(math.Round(m.Location.Latitude * 1e6))))
		encodeTag(buf, 6, wireVarint)
		_ = buf.EncodeVarint(zigzagEncode(int64(math.Round(m.Location.Longitude * 1e6))))
	}
	if m.HasProfileImageHash {
		encodeTag(buf, 7, wireBytes)
		_ = buf.EncodeRawBytes(m.ProfileImageHash)
	}
	if m.HasThumbnailHash {
		encodeTag(buf, 8, wireBytes)
		_ = buf.EncodeRawBytes(m.ThumbnailHash)
	}
	encodeBytesField(buf, 9, m.Signature)
	encodeBoolField(buf, 10, m.NoPropagation)
	encodeBytesField(buf, 11, m.ProfileImageData)
	encodeBytesField(buf, 12, m.ThumbnailImageData)
	return buf.Bytes()
}

func (m *UpdateProfileMsg) Unmarshal(data []byte) error {
	*m = UpdateProfileMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(m.Version[:], b)
			m.HasVersion = true
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.Name = string(b)
			m.HasName = true
		case 3:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.Type = string(b)
			m.HasType = true
		case 4:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ExtraData = append([]byte(nil), b...)
			m.HasExtraData = true
		case 5:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.Location.Latitude = float64(zigzagDecode(v)) / 1e6
			m.HasLocation = true
		case 6:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.Location.Longitude = float64(zigzagDecode(v)) / 1e6
			m.HasLocation = true
		case 7:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ProfileImageHash = append([]byte(nil), b...)
			m.HasProfileImageHash = true
		case 8:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ThumbnailHash = append([]byte(nil), b...)
			m.HasThumbnailHash = true
		case 9:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.Signature = append([]byte(nil), b...)
		case 10:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.NoPropagation = v != 0
		case 11:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ProfileImageData = append([]byte(nil), b...)
		case 12:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ThumbnailImageData = append([]byte(nil), b...)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- CancelHosting ---

type CancelHostingMsg struct{ NewHostingServerID IdentityID }

func (m *CancelHostingMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.NewHostingServerID[:])
	return buf.Bytes()
}

func (m *CancelHostingMsg) Unmarshal(data []byte) error {
	*m = CancelHostingMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		if field == 1 {
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(m.NewHostingServerID[:], b)
			continue
		}
		if err := c.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

// --- Search ---

type SearchMsg struct {
	TypeRegex          string
	NameRegex          string
	ExtraDataRegex     string
	HasLocation        bool
	Location           Location
	RadiusMeters       float64
	IncludeHostedOnly  bool
	IncludeImages      bool
	MaxResults         uint32
	MaxResponseRecords uint32
}

func (m *SearchMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeStringField(buf, 1, m.TypeRegex)
	encodeStringField(buf, 2, m.NameRegex)
	encodeStringField(buf, 3, m.ExtraDataRegex)
	if m.HasLocation {
		encodeFloat64Field(buf, 4, m.Location.Latitude)
		encodeFloat64Field(buf, 5, m.Location.Longitude)
		encodeFloat64Field(buf, 6, m.RadiusMeters)
	}
	encodeBoolField(buf, 7, m.IncludeHostedOnly)
	encodeBoolField(buf, 8, m.IncludeImages)
	encodeVarintField(buf, 9, uint64(m.MaxResults))
	encodeVarintField(buf, 10, uint64(m.MaxResponseRecords))
	return buf.Bytes()
}

func (m *SearchMsg) Unmarshal(data []byte) error {
	*m = SearchMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.TypeRegex = string(b)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.NameRegex = string(b)
		case 3:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ExtraDataRegex = string(b)
		case 4:
			v, err := c.readFixed64()
			if err != nil {
				return err
			}
			m.Location.Latitude = math.Float64frombits(v)
			m.HasLocation = true
		case 5:
			v, err := c.readFixed64()
			if err != nil {
				return err
			}
			m.Location.Longitude = math.Float64frombits(v)
			m.HasLocation = true
		case 6:
			v, err := c.readFixed64()
			if err != nil {
				return err
			}
			m.RadiusMeters = math.Float64frombits(v)
		case 7:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.IncludeHostedOnly = v != 0
		case 8:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.IncludeImages = v != 0
		case 9:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.MaxResults = uint32(v)
		case 10:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.MaxResponseRecords = uint32(v)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProfileSummaryWire is the wire shape of one profile as carried in a search
// result or (via its Signature/HostingServerID fields) a full neighborhood
// replication transfer. ProfileBytes is canonicalProfileEncoding's output —
// the signed digest input, excluding the signature itself — so Signature
// travels alongside it rather than folded in, keeping the two independently
// checkable.
type ProfileSummaryWire struct {
	IdentityID      IdentityID
	ProfileBytes    []byte
	ImageBytes      []byte
	Signature       []byte
	HostingServerID IdentityID
}

func (p *ProfileSummaryWire) marshalInto(buf *proto.Buffer) {
	encodeBytesField(buf, 1, p.IdentityID[:])
	encodeBytesField(buf, 2, p.ProfileBytes)
	encodeBytesField(buf, 3, p.ImageBytes)
	encodeBytesField(buf, 4, p.Signature)
	encodeBytesField(buf, 5, p.HostingServerID[:])
}

func (p *ProfileSummaryWire) unmarshal(data []byte) error {
	*p = ProfileSummaryWire{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(p.IdentityID[:], b)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			p.ProfileBytes = append([]byte(nil), b...)
		case 3:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			p.ImageBytes = append([]byte(nil), b...)
		case 4:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			p.Signature = append([]byte(nil), b...)
		case 5:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(p.HostingServerID[:], b)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeCanonicalProfile reverses canonicalProfileEncoding's field layout,
// reconstructing everything but the signature (carried separately on the
// wire) and the owning server id (carried on the envelope that transports
// it). Used by the neighborhood initialization and replication-push paths to
// turn a received ProfileSummaryWire back into a storable Profile.
func decodeCanonicalProfile(data []byte) (Profile, error) {
	var p Profile
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return Profile{}, err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return Profile{}, err
			}
			copy(p.IdentityID[:], b)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return Profile{}, err
			}
			p.PublicKey = append([]byte(nil), b...)
		case 3:
			b, err := c.readBytes()
			if err != nil {
				return Profile{}, err
			}
			copy(p.Version[:], b)
		case 4:
			b, err := c.readBytes()
			if err != nil {
				return Profile{}, err
			}
			p.Name = string(b)
		case 5:
			b, err := c.readBytes()
			if err != nil {
				return Profile{}, err
			}
			p.Type = string(b)
		case 6:
			b, err := c.readBytes()
			if err != nil {
				return Profile{}, err
			}
			p.ExtraData = append([]byte(nil), b...)
		case 7:
			v, err := c.readVarint()
			if err != nil {
				return Profile{}, err
			}
			p.Location.Latitude = float64(zigzagDecode(v)) / 1e6
		case 8:
			v, err := c.readVarint()
			if err != nil {
				return Profile{}, err
			}
			p.Location.Longitude = float64(zigzagDecode(v)) / 1e6
		case 9:
			b, err := c.readBytes()
			if err != nil {
				return Profile{}, err
			}
			p.ProfileImageHash = append([]byte(nil), b...)
		case 10:
			b, err := c.readBytes()
			if err != nil {
				return Profile{}, err
			}
			p.ThumbnailHash = append([]byte(nil), b...)
		default:
			if err := c.skip(wireType); err != nil {
				return Profile{}, err
			}
		}
	}
	return p, nil
}

// profileToWire renders a Profile for replication transport: the canonical
// signed digest input, its signature, and the declared owning server id.
func profileToWire(p Profile) ProfileSummaryWire {
	return ProfileSummaryWire{
		IdentityID:      p.IdentityID,
		ProfileBytes:    canonicalProfileEncoding(p),
		Signature:       p.Signature,
		HostingServerID: p.HostingServerID,
	}
}

// profileFromWire reverses profileToWire, reconstructing a Profile whose
// HostingServerID is overridden to owner (the authenticated peer id the
// transfer arrived from), matching NeighborIdentity's uniqueness key
// (hostingServerId, identityId).
func profileFromWire(w ProfileSummaryWire, owner IdentityID) (Profile, error) {
	p, err := decodeCanonicalProfile(w.ProfileBytes)
	if err != nil {
		return Profile{}, err
	}
	p.Signature = append([]byte(nil), w.Signature...)
	p.HostingServerID = owner
	return p, nil
}

type SearchResponseMsg struct {
	Profiles           []ProfileSummaryWire
	ContinuationTokens []string
	TotalMatched       uint32
}

func (m *SearchResponseMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	for i := range m.Profiles {
		pb := proto.NewBuffer(nil)
		m.Profiles[i].marshalInto(pb)
		encodeBytesField(buf, 1, pb.Bytes())
	}
	for _, t := range m.ContinuationTokens {
		encodeStringField(buf, 2, t)
	}
	encodeVarintField(buf, 3, uint64(m.TotalMatched))
	return buf.Bytes()
}

func (m *SearchResponseMsg) Unmarshal(data []byte) error {
	*m = SearchResponseMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			var p ProfileSummaryWire
			if err := p.unmarshal(b); err != nil {
				return err
			}
			m.Profiles = append(m.Profiles, p)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ContinuationTokens = append(m.ContinuationTokens, string(b))
		case 3:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.TotalMatched = uint32(v)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Neighborhood initialization handshake ---

type StartNeighborhoodInitializationMsg struct {
	PrimaryPort    uint32
	SrNeighborPort uint32
}

func (m *StartNeighborhoodInitializationMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeVarintField(buf, 1, uint64(m.PrimaryPort))
	encodeVarintField(buf, 2, uint64(m.SrNeighborPort))
	return buf.Bytes()
}

func (m *StartNeighborhoodInitializationMsg) Unmarshal(data []byte) error {
	*m = StartNeighborhoodInitializationMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.PrimaryPort = uint32(v)
		case 2:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.SrNeighborPort = uint32(v)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

type NeighborhoodSharedProfileUpdateMsg struct {
	Profiles []ProfileSummaryWire
}

func (m *NeighborhoodSharedProfileUpdateMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	for i := range m.Profiles {
		pb := proto.NewBuffer(nil)
		m.Profiles[i].marshalInto(pb)
		encodeBytesField(buf, 1, pb.Bytes())
	}
	return buf.Bytes()
}

func (m *NeighborhoodSharedProfileUpdateMsg) Unmarshal(data []byte) error {
	*m = NeighborhoodSharedProfileUpdateMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		if field == 1 {
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			var p ProfileSummaryWire
			if err := p.unmarshal(b); err != nil {
				return err
			}
			m.Profiles = append(m.Profiles, p)
			continue
		}
		if err := c.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

type FinishNeighborhoodInitializationMsg struct{}

func (m *FinishNeighborhoodInitializationMsg) Marshal() []byte        { return nil }
func (m *FinishNeighborhoodInitializationMsg) Unmarshal([]byte) error { return nil }

// --- NeighborhoodUpdatePush: one replayed follower-direction action ---

// NeighborhoodUpdatePushMsg carries one NeighborhoodAction snapshot from a
// neighborhood worker to a follower. Profile is populated for
// AddProfile/ChangeProfile; TargetIdentityID alone for RemoveProfile;
// RefreshIdentityIDs for RefreshProfiles.
type NeighborhoodUpdatePushMsg struct {
	ActionType         ActionType
	TargetIdentityID   IdentityID
	Profile            ProfileSummaryWire
	RefreshIdentityIDs []IdentityID
}

func (m *NeighborhoodUpdatePushMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeVarintField(buf, 1, uint64(m.ActionType))
	encodeBytesField(buf, 2, m.TargetIdentityID[:])
	pb := proto.NewBuffer(nil)
	m.Profile.marshalInto(pb)
	encodeBytesField(buf, 3, pb.Bytes())
	for _, id := range m.RefreshIdentityIDs {
		encodeBytesField(buf, 4, id[:])
	}
	return buf.Bytes()
}

func (m *NeighborhoodUpdatePushMsg) Unmarshal(data []byte) error {
	*m = NeighborhoodUpdatePushMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.ActionType = ActionType(v)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(m.TargetIdentityID[:], b)
		case 3:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			if err := m.Profile.unmarshal(b); err != nil {
				return err
			}
		case 4:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			var id IdentityID
			copy(id[:], b)
			m.RefreshIdentityIDs = append(m.RefreshIdentityIDs, id)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- SearchContinuation: fetch the next page of a truncated search ---

type SearchContinuationMsg struct {
	Token              string
	MaxResponseRecords uint32
}

func (m *SearchContinuationMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeStringField(buf, 1, m.Token)
	encodeVarintField(buf, 2, uint64(m.MaxResponseRecords))
	return buf.Bytes()
}

func (m *SearchContinuationMsg) Unmarshal(data []byte) error {
	*m = SearchContinuationMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.Token = string(b)
		case 2:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			m.MaxResponseRecords = uint32(v)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Related identities (relationship cards) ---

// RelationshipCardWire is the wire shape of one RelatedIdentity row: a card
// issued by one identity to another, signed by both sides. IssuerSignature
// covers the canonical card encoding; RecipientSignature covers
// IssuerSignature, binding the recipient's acceptance to exactly the card
// the issuer signed.
type RelationshipCardWire struct {
	ApplicationID      string
	CardID             string
	CardVersion        Version
	Type               string
	ValidFromUnix      int64
	ValidToUnix        int64
	IssuerPublicKey    []byte
	RecipientPublicKey []byte
	IssuerSignature    []byte
	RecipientSignature []byte
}

func (r *RelationshipCardWire) marshalInto(buf *proto.Buffer) {
	encodeStringField(buf, 1, r.ApplicationID)
	encodeStringField(buf, 2, r.CardID)
	encodeBytesField(buf, 3, r.CardVersion[:])
	encodeStringField(buf, 4, r.Type)
	encodeSintField(buf, 5, r.ValidFromUnix)
	encodeSintField(buf, 6, r.ValidToUnix)
	encodeBytesField(buf, 7, r.IssuerPublicKey)
	encodeBytesField(buf, 8, r.RecipientPublicKey)
	encodeBytesField(buf, 9, r.IssuerSignature)
	encodeBytesField(buf, 10, r.RecipientSignature)
}

func (r *RelationshipCardWire) unmarshal(data []byte) error {
	*r = RelationshipCardWire{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			r.ApplicationID = string(b)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			r.CardID = string(b)
		case 3:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(r.CardVersion[:], b)
		case 4:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			r.Type = string(b)
		case 5:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			r.ValidFromUnix = zigzagDecode(v)
		case 6:
			v, err := c.readVarint()
			if err != nil {
				return err
			}
			r.ValidToUnix = zigzagDecode(v)
		case 7:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			r.IssuerPublicKey = append([]byte(nil), b...)
		case 8:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			r.RecipientPublicKey = append([]byte(nil), b...)
		case 9:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			r.IssuerSignature = append([]byte(nil), b...)
		case 10:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			r.RecipientSignature = append([]byte(nil), b...)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

type AddRelatedIdentityMsg struct {
	Card RelationshipCardWire
}

func (m *AddRelatedIdentityMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	cb := proto.NewBuffer(nil)
	m.Card.marshalInto(cb)
	encodeBytesField(buf, 1, cb.Bytes())
	return buf.Bytes()
}

func (m *AddRelatedIdentityMsg) Unmarshal(data []byte) error {
	*m = AddRelatedIdentityMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		if field == 1 {
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			if err := m.Card.unmarshal(b); err != nil {
				return err
			}
			continue
		}
		if err := c.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

type RemoveRelatedIdentityMsg struct {
	ApplicationID string
}

func (m *RemoveRelatedIdentityMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeStringField(buf, 1, m.ApplicationID)
	return buf.Bytes()
}

func (m *RemoveRelatedIdentityMsg) Unmarshal(data []byte) error {
	*m = RemoveRelatedIdentityMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		if field == 1 {
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.ApplicationID = string(b)
			continue
		}
		if err := c.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}

type GetIdentityRelationshipsMsg struct {
	IdentityID IdentityID
	TypeFilter string
}

func (m *GetIdentityRelationshipsMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, m.IdentityID[:])
	encodeStringField(buf, 2, m.TypeFilter)
	return buf.Bytes()
}

func (m *GetIdentityRelationshipsMsg) Unmarshal(data []byte) error {
	*m = GetIdentityRelationshipsMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		switch field {
		case 1:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			copy(m.IdentityID[:], b)
		case 2:
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			m.TypeFilter = string(b)
		default:
			if err := c.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

type GetIdentityRelationshipsResponseMsg struct {
	Cards []RelationshipCardWire
}

func (m *GetIdentityRelationshipsResponseMsg) Marshal() []byte {
	buf := proto.NewBuffer(nil)
	for i := range m.Cards {
		cb := proto.NewBuffer(nil)
		m.Cards[i].marshalInto(cb)
		encodeBytesField(buf, 1, cb.Bytes())
	}
	return buf.Bytes()
}

func (m *GetIdentityRelationshipsResponseMsg) Unmarshal(data []byte) error {
	*m = GetIdentityRelationshipsResponseMsg{}
	c := newFieldCursor(data)
	for c.hasMore() {
		field, wireType, err := c.readTag()
		if err != nil {
			return err
		}
		if field == 1 {
			b, err := c.readBytes()
			if err != nil {
				return err
			}
			var card RelationshipCardWire
			if err := card.unmarshal(b); err != nil {
				return err
			}
			m.Cards = append(m.Cards, card)
			continue
		}
		if err := c.skip(wireType); err != nil {
			return err
		}
	}
	return nil
}
