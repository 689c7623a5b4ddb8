package proto

import (
	"fmt"
	"strings"
)

// MessageType identifies the semantic kind of one frame.
type MessageType uint16

const (
	MsgHello MessageType = iota + 1
	MsgHelloAck
	MsgCommand
	MsgResult
	MsgResyncSession
	MsgResyncDone
	MsgData
	MsgSessionUpdate
	MsgSessionClosed
	MsgShutdown
	MsgStopping
)

// Role declares what kind of peer is dialing the gateway control port.
type Role string

const (
	RoleEngine   Role = "engine"
	RoleLauncher Role = "launcher"
)

// Verb is one launcher lifecycle command.
type Verb string

const (
	VerbStart  Verb = "start"
	VerbStop   Verb = "stop"
	VerbReload Verb = "reload"
	VerbStatus Verb = "status"
)

// ParseVerb maps operator input to a lifecycle verb.
func ParseVerb(raw string) (Verb, error) {
	switch Verb(strings.ToLower(strings.TrimSpace(raw))) {
	case VerbStart:
		return VerbStart, nil
	case VerbStop:
		return VerbStop, nil
	case VerbReload:
		return VerbReload, nil
	case VerbStatus:
		return VerbStatus, nil
	default:
		return "", fmt.Errorf("%w: unknown command %q", ErrInvalidMessage, raw)
	}
}

// Field ids are scoped per message type.
const (
	fieldRole    uint16 = 1
	fieldName    uint16 = 2
	fieldOK      uint16 = 1
	fieldDetail  uint16 = 2
	fieldVerb    uint16 = 1
	fieldSession uint16 = 1
	fieldPayload uint16 = 2
	fieldProto   uint16 = 2
	fieldAccount uint16 = 3
	fieldPuppet  uint16 = 4
	fieldEncode  uint16 = 5
	fieldColor   uint16 = 6
	fieldWidth   uint16 = 7
	fieldCount   uint16 = 1
	fieldReason  uint16 = 2
	fieldClean   uint16 = 1
)

// Hello is the first frame a peer sends after dialing the control port.
type Hello struct {
	Role Role
	Name string
}

// Validate enforces handshake fields.
func (h Hello) Validate() error {
	if h.Role != RoleEngine && h.Role != RoleLauncher {
		return fmt.Errorf("%w: hello role %q", ErrInvalidMessage, h.Role)
	}
	if strings.TrimSpace(h.Name) == "" {
		return fmt.Errorf("%w: hello missing name", ErrInvalidMessage)
	}
	return nil
}

// EncodeHelloFrame builds the wire bytes for one Hello.
func EncodeHelloFrame(h Hello) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return EncodeFrame(MsgHello, []Field{
		NewFieldString(fieldRole, string(h.Role)),
		NewFieldString(fieldName, h.Name),
	}), nil
}

// DecodeHelloFrame parses and validates one Hello frame.
func DecodeHelloFrame(f Frame) (Hello, error) {
	fields, err := decodePayload(f, MsgHello)
	if err != nil {
		return Hello{}, err
	}
	role, err := requireString(fields, fieldRole)
	if err != nil {
		return Hello{}, err
	}
	name, err := requireString(fields, fieldName)
	if err != nil {
		return Hello{}, err
	}
	h := Hello{Role: Role(role), Name: name}
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

// HelloAck is the gateway's accept/reject response to a Hello.
type HelloAck struct {
	OK     bool
	Detail string
}

// EncodeHelloAckFrame builds the wire bytes for one HelloAck.
func EncodeHelloAckFrame(a HelloAck) []byte {
	return EncodeFrame(MsgHelloAck, []Field{
		NewFieldBool(fieldOK, a.OK),
		NewFieldString(fieldDetail, a.Detail),
	})
}

// DecodeHelloAckFrame parses one HelloAck frame.
func DecodeHelloAckFrame(f Frame) (HelloAck, error) {
	fields, err := decodePayload(f, MsgHelloAck)
	if err != nil {
		return HelloAck{}, err
	}
	ok, err := requireBool(fields, fieldOK)
	if err != nil {
		return HelloAck{}, err
	}
	detail, _ := optionalString(fields, fieldDetail)
	return HelloAck{OK: ok, Detail: detail}, nil
}

// Command is one launcher lifecycle request.
type Command struct {
	Verb Verb
}

// EncodeCommandFrame builds the wire bytes for one Command.
func EncodeCommandFrame(c Command) ([]byte, error) {
	if _, err := ParseVerb(string(c.Verb)); err != nil {
		return nil, err
	}
	return EncodeFrame(MsgCommand, []Field{
		NewFieldString(fieldVerb, string(c.Verb)),
	}), nil
}

// DecodeCommandFrame parses and validates one Command frame.
func DecodeCommandFrame(f Frame) (Command, error) {
	fields, err := decodePayload(f, MsgCommand)
	if err != nil {
		return Command{}, err
	}
	raw, err := requireString(fields, fieldVerb)
	if err != nil {
		return Command{}, err
	}
	verb, err := ParseVerb(raw)
	if err != nil {
		return Command{}, err
	}
	return Command{Verb: verb}, nil
}

// Result is the gateway's response to one Command.
type Result struct {
	OK     bool
	Detail string
}

// EncodeResultFrame builds the wire bytes for one Result.
func EncodeResultFrame(r Result) []byte {
	return EncodeFrame(MsgResult, []Field{
		NewFieldBool(fieldOK, r.OK),
		NewFieldString(fieldDetail, r.Detail),
	})
}

// DecodeResultFrame parses one Result frame.
func DecodeResultFrame(f Frame) (Result, error) {
	fields, err := decodePayload(f, MsgResult)
	if err != nil {
		return Result{}, err
	}
	ok, err := requireBool(fields, fieldOK)
	if err != nil {
		return Result{}, err
	}
	detail, _ := optionalString(fields, fieldDetail)
	return Result{OK: ok, Detail: detail}, nil
}

// Capabilities carries the negotiated client-facing options for one session.
type Capabilities struct {
	Encoding string
	Color    bool
	Width    uint16
}

// ResyncSession announces one open session to an engine.
type ResyncSession struct {
	SessionID    string
	Protocol     string
	Account      string
	Puppet       string
	Capabilities Capabilities
}

// Validate enforces session announce fields.
func (r ResyncSession) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: resync missing session id", ErrInvalidMessage)
	}
	if strings.TrimSpace(r.Protocol) == "" {
		return fmt.Errorf("%w: resync missing protocol", ErrInvalidMessage)
	}
	return nil
}

// EncodeResyncSessionFrame builds the wire bytes for one ResyncSession.
func EncodeResyncSessionFrame(r ResyncSession) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return EncodeFrame(MsgResyncSession, []Field{
		NewFieldString(fieldSession, r.SessionID),
		NewFieldString(fieldProto, r.Protocol),
		NewFieldString(fieldAccount, r.Account),
		NewFieldString(fieldPuppet, r.Puppet),
		NewFieldString(fieldEncode, r.Capabilities.Encoding),
		NewFieldBool(fieldColor, r.Capabilities.Color),
		NewFieldUint16(fieldWidth, r.Capabilities.Width),
	}), nil
}

// DecodeResyncSessionFrame parses and validates one ResyncSession frame.
func DecodeResyncSessionFrame(f Frame) (ResyncSession, error) {
	fields, err := decodePayload(f, MsgResyncSession)
	if err != nil {
		return ResyncSession{}, err
	}
	sessionID, err := requireString(fields, fieldSession)
	if err != nil {
		return ResyncSession{}, err
	}
	protocol, err := requireString(fields, fieldProto)
	if err != nil {
		return ResyncSession{}, err
	}
	out := ResyncSession{SessionID: sessionID, Protocol: protocol}
	out.Account, _ = optionalString(fields, fieldAccount)
	out.Puppet, _ = optionalString(fields, fieldPuppet)
	out.Capabilities.Encoding, _ = optionalString(fields, fieldEncode)
	if field, ok := GetField(fields, fieldColor); ok {
		if out.Capabilities.Color, err = field.Bool(); err != nil {
			return ResyncSession{}, err
		}
	}
	if field, ok := GetField(fields, fieldWidth); ok {
		if out.Capabilities.Width, err = field.Uint16(); err != nil {
			return ResyncSession{}, err
		}
	}
	if err := out.Validate(); err != nil {
		return ResyncSession{}, err
	}
	return out, nil
}

// ResyncDone ends a resync burst after an engine attach.
type ResyncDone struct {
	Count uint32
}

// EncodeResyncDoneFrame builds the wire bytes for one ResyncDone.
func EncodeResyncDoneFrame(r ResyncDone) []byte {
	return EncodeFrame(MsgResyncDone, []Field{
		NewFieldUint32(fieldCount, r.Count),
	})
}

// DecodeResyncDoneFrame parses one ResyncDone frame.
func DecodeResyncDoneFrame(f Frame) (ResyncDone, error) {
	fields, err := decodePayload(f, MsgResyncDone)
	if err != nil {
		return ResyncDone{}, err
	}
	field, ok := GetField(fields, fieldCount)
	if !ok {
		return ResyncDone{}, fmt.Errorf("%w: %d", ErrMissingField, fieldCount)
	}
	count, err := field.Uint32()
	if err != nil {
		return ResyncDone{}, err
	}
	return ResyncDone{Count: count}, nil
}

// Data is one session-tagged I/O frame, valid in both directions.
type Data struct {
	SessionID string
	Payload   []byte
}

// Validate enforces the session tag every data frame must carry.
func (d Data) Validate() error {
	if strings.TrimSpace(d.SessionID) == "" {
		return fmt.Errorf("%w: data missing session id", ErrInvalidMessage)
	}
	return nil
}

// EncodeDataFrame builds the wire bytes for one Data frame.
func EncodeDataFrame(d Data) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return EncodeFrame(MsgData, []Field{
		NewFieldString(fieldSession, d.SessionID),
		NewFieldBytes(fieldPayload, d.Payload),
	}), nil
}

// DecodeDataFrame parses and validates one Data frame.
func DecodeDataFrame(f Frame) (Data, error) {
	fields, err := decodePayload(f, MsgData)
	if err != nil {
		return Data{}, err
	}
	sessionID, err := requireString(fields, fieldSession)
	if err != nil {
		return Data{}, err
	}
	out := Data{SessionID: sessionID}
	if field, ok := GetField(fields, fieldPayload); ok {
		if out.Payload, err = field.Bytes(); err != nil {
			return Data{}, err
		}
	}
	if err := out.Validate(); err != nil {
		return Data{}, err
	}
	return out, nil
}

// SessionUpdate carries engine-driven auth/puppet binding back to the gateway.
type SessionUpdate struct {
	SessionID string
	Account   string
	Puppet    string
}

// Validate enforces update fields.
func (u SessionUpdate) Validate() error {
	if strings.TrimSpace(u.SessionID) == "" {
		return fmt.Errorf("%w: session update missing session id", ErrInvalidMessage)
	}
	return nil
}

// EncodeSessionUpdateFrame builds the wire bytes for one SessionUpdate.
func EncodeSessionUpdateFrame(u SessionUpdate) ([]byte, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return EncodeFrame(MsgSessionUpdate, []Field{
		NewFieldString(fieldSession, u.SessionID),
		NewFieldString(fieldAccount, u.Account),
		NewFieldString(fieldPuppet, u.Puppet),
	}), nil
}

// DecodeSessionUpdateFrame parses and validates one SessionUpdate frame.
func DecodeSessionUpdateFrame(f Frame) (SessionUpdate, error) {
	fields, err := decodePayload(f, MsgSessionUpdate)
	if err != nil {
		return SessionUpdate{}, err
	}
	sessionID, err := requireString(fields, fieldSession)
	if err != nil {
		return SessionUpdate{}, err
	}
	out := SessionUpdate{SessionID: sessionID}
	out.Account, _ = optionalString(fields, fieldAccount)
	out.Puppet, _ = optionalString(fields, fieldPuppet)
	return out, nil
}

// SessionClosed reports a session teardown in either direction: the
// gateway announces a closed client socket, the engine orders a disconnect.
type SessionClosed struct {
	SessionID string
	Reason    string
}

// Validate enforces teardown fields.
func (c SessionClosed) Validate() error {
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("%w: session closed missing session id", ErrInvalidMessage)
	}
	return nil
}

// EncodeSessionClosedFrame builds the wire bytes for one SessionClosed.
func EncodeSessionClosedFrame(c SessionClosed) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return EncodeFrame(MsgSessionClosed, []Field{
		NewFieldString(fieldSession, c.SessionID),
		NewFieldString(fieldReason, c.Reason),
	}), nil
}

// DecodeSessionClosedFrame parses and validates one SessionClosed frame.
func DecodeSessionClosedFrame(f Frame) (SessionClosed, error) {
	fields, err := decodePayload(f, MsgSessionClosed)
	if err != nil {
		return SessionClosed{}, err
	}
	sessionID, err := requireString(fields, fieldSession)
	if err != nil {
		return SessionClosed{}, err
	}
	out := SessionClosed{SessionID: sessionID}
	out.Reason, _ = optionalString(fields, fieldReason)
	return out, nil
}

// Shutdown asks the attached engine to stop cleanly.
type Shutdown struct {
	Reason string
}

// EncodeShutdownFrame builds the wire bytes for one Shutdown.
func EncodeShutdownFrame(s Shutdown) []byte {
	return EncodeFrame(MsgShutdown, []Field{
		NewFieldString(fieldReason, s.Reason),
	})
}

// DecodeShutdownFrame parses one Shutdown frame.
func DecodeShutdownFrame(f Frame) (Shutdown, error) {
	fields, err := decodePayload(f, MsgShutdown)
	if err != nil {
		return Shutdown{}, err
	}
	out := Shutdown{}
	out.Reason, _ = optionalString(fields, fieldReason)
	return out, nil
}

// Stopping is the engine's last word: clean distinguishes a graceful
// shutdown from an imminent crash or forced kill.
type Stopping struct {
	Clean  bool
	Reason string
}

// EncodeStoppingFrame builds the wire bytes for one Stopping.
func EncodeStoppingFrame(s Stopping) []byte {
	return EncodeFrame(MsgStopping, []Field{
		NewFieldBool(fieldClean, s.Clean),
		NewFieldString(fieldReason, s.Reason),
	})
}

// DecodeStoppingFrame parses one Stopping frame.
func DecodeStoppingFrame(f Frame) (Stopping, error) {
	fields, err := decodePayload(f, MsgStopping)
	if err != nil {
		return Stopping{}, err
	}
	clean, err := requireBool(fields, fieldClean)
	if err != nil {
		return Stopping{}, err
	}
	out := Stopping{Clean: clean}
	out.Reason, _ = optionalString(fields, fieldReason)
	return out, nil
}

func decodePayload(f Frame, want MessageType) ([]Field, error) {
	if f.Header.MessageType != want {
		return nil, fmt.Errorf("%w: got %d want %d", ErrMessageTypeMismatch, f.Header.MessageType, want)
	}
	return DecodeFields(f.Payload)
}

func requireString(fields []Field, id uint16) (string, error) {
	field, ok := GetField(fields, id)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	return field.String()
}

func optionalString(fields []Field, id uint16) (string, bool) {
	field, ok := GetField(fields, id)
	if !ok {
		return "", false
	}
	v, err := field.String()
	if err != nil {
		return "", false
	}
	return v, true
}

func requireBool(fields []Field, id uint16) (bool, error) {
	field, ok := GetField(fields, id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	return field.Bool()
}
