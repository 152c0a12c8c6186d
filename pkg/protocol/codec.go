package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// FormatError reports an envelope that could not be opened, parsed or
// validated against its variant's field set.
type FormatError struct {
	Cmd    Command // best-effort command code, the frame type when unknown
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s envelope: %s: %v", e.Cmd, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s envelope: %s", e.Cmd, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ErrCommandMismatch is returned by Encode when a header's cmd does not match
// the variant it is attached to.
var ErrCommandMismatch = errors.New("header cmd does not match envelope variant")

type kind uint8

const (
	kindString kind = iota
	kindInt
	kindBool
	kindMap
	kindList
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindInt:
		return "integer"
	case kindBool:
		return "boolean"
	case kindMap:
		return "map"
	default:
		return "list"
	}
}

type field struct {
	name string
	kind kind
}

var headerFields = []field{{"ID", kindString}, {"cmd", kindInt}, {"msgid", kindInt}}

// schemas lists the extra fields each variant requires on top of the header.
var schemas = map[Command][]field{
	CmdLogin:           {{"pwd", kindString}},
	CmdLogout:          {},
	CmdRegister:        {{"pwd", kindString}, {"nickname", kindString}},
	CmdReqUserInfo:     {},
	CmdChat:            {{"chat", kindString}, {"friendId", kindString}, {"nickname", kindString}},
	CmdAddDelFriend:    {{"friendId", kindString}, {"nickname", kindString}, {"group", kindString}, {"add", kindBool}},
	CmdAddDelGroup:     {{"group", kindString}, {"moveto", kindString}, {"add", kindBool}},
	CmdAcceptDenyReq:   {{"group", kindString}, {"friendId", kindString}, {"nickname", kindString}, {"accept", kindBool}},
	CmdQueryFriendInfo: {{"friendId", kindString}},
	CmdFindFriend:      {{"friendId", kindString}, {"nickname", kindString}, {"fuzzy", kindBool}},
	CmdSetInfo: {{"nickname", kindString}, {"sex", kindString}, {"allowFind", kindBool},
		{"birthday", kindString}, {"desc", kindString}, {"extInfo", kindMap}},
	CmdModifyPassword:  {{"oldPwd", kindString}, {"newPwd", kindString}},
	CmdRetFindResult:   {{"result", kindList}},
	CmdRetFriendInfo:   {{"group", kindString}, {"result", kindMap}},
	CmdRetOnlineNotify: {{"friendId", kindString}, {"nickname", kindString}, {"online", kindBool}},
	CmdRetUserInfo:     {{"success", kindBool}, {"user", kindMap}, {"reason", kindString}, {"exeCmd", kindInt}},
	CmdReceipt:         {{"reason", kindString}, {"success", kindBool}, {"exeCmd", kindInt}},
}

func newEnvelope(cmd Command) Envelope {
	switch cmd {
	case CmdLogin:
		return &Login{}
	case CmdLogout:
		return &Logout{}
	case CmdRegister:
		return &Register{}
	case CmdReqUserInfo:
		return &ReqUserInfo{}
	case CmdChat:
		return &Chat{}
	case CmdAddDelFriend:
		return &AddDelFriend{}
	case CmdAddDelGroup:
		return &AddDelGroup{}
	case CmdAcceptDenyReq:
		return &AcceptDenyReq{}
	case CmdQueryFriendInfo:
		return &QueryFriendInfo{}
	case CmdFindFriend:
		return &FindFriend{}
	case CmdSetInfo:
		return &SetInfo{}
	case CmdModifyPassword:
		return &ModifyPassword{}
	case CmdRetFindResult:
		return &RetFindResult{}
	case CmdRetFriendInfo:
		return &RetFriendInfo{}
	case CmdRetOnlineNotify:
		return &RetOnlineNotify{}
	case CmdRetUserInfo:
		return &RetUserInfo{}
	case CmdReceipt:
		return &Receipt{}
	}
	return nil
}

// Codec converts envelopes to frames and back through a Cipher.
type Codec struct {
	cipher Cipher
}

// NewCodec returns a codec using c, or PlainCipher when c is nil.
func NewCodec(c Cipher) *Codec {
	if c == nil {
		c = PlainCipher{}
	}
	return &Codec{cipher: c}
}

// Marshal serializes env and seals it. The result is the frame payload.
func (c *Codec) Marshal(env Envelope) ([]byte, error) {
	if env.Head().Cmd != env.Command() {
		return nil, fmt.Errorf("%w: header %s, variant %s", ErrCommandMismatch, env.Head().Cmd, env.Command())
	}
	if env.Command().Known() {
		if err := ValidateID(env.Head().ID); err != nil {
			return nil, err
		}
	}
	plain, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", env.Command(), err)
	}
	return c.cipher.Seal(plain)
}

// Encode builds the frame for env.
func (c *Codec) Encode(env Envelope) (*Frame, error) {
	payload, err := c.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    uint8(env.Command()),
		Flags:   c.cipher.Flags(),
		Payload: payload,
	}, nil
}

// Decode opens and validates a frame. Every failure is a *FormatError.
func (c *Codec) Decode(f *Frame) (Envelope, error) {
	frameCmd := Command(f.Type)

	plain, err := c.cipher.Open(f.Payload)
	if err != nil {
		return nil, &FormatError{Cmd: frameCmd, Reason: "cannot open payload", Err: err}
	}

	env, err := Parse(plain)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) && !fe.Cmd.Known() {
			fe.Cmd = frameCmd
		}
		return nil, err
	}
	if env.Command() != frameCmd {
		return nil, &FormatError{Cmd: frameCmd, Reason: fmt.Sprintf("frame type %d carries cmd %d", f.Type, env.Command())}
	}
	return env, nil
}

// Parse validates a serialized envelope against its variant's exact field set
// and returns the typed variant.
func Parse(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &FormatError{Cmd: 255, Reason: "not a JSON object", Err: err}
	}

	for _, hf := range headerFields {
		v, ok := raw[hf.name]
		if !ok {
			return nil, &FormatError{Cmd: 255, Reason: "missing field " + hf.name}
		}
		if err := checkKind(v, hf.kind); err != nil {
			return nil, &FormatError{Cmd: 255, Reason: "field " + hf.name, Err: err}
		}
	}

	code, err := strconv.ParseInt(string(bytes.TrimSpace(raw["cmd"])), 10, 64)
	if err != nil || code < 0 || code > 255 {
		return nil, &FormatError{Cmd: 255, Reason: "cmd out of range"}
	}
	cmd := Command(code)

	var id string
	_ = json.Unmarshal(raw["ID"], &id)
	if err := ValidateID(id); err != nil {
		return nil, &FormatError{Cmd: cmd, Reason: "bad ID", Err: err}
	}

	fields, known := schemas[cmd]
	if !known {
		if len(raw) != len(headerFields) {
			return nil, &FormatError{Cmd: cmd, Reason: "unexpected fields on unknown command"}
		}
		u := &Unknown{}
		if err := json.Unmarshal(data, &u.Header); err != nil {
			return nil, &FormatError{Cmd: cmd, Reason: "header", Err: err}
		}
		return u, nil
	}

	if len(raw) != len(headerFields)+len(fields) {
		return nil, &FormatError{Cmd: cmd, Reason: fmt.Sprintf("expected %d fields, got %d", len(headerFields)+len(fields), len(raw))}
	}
	for _, f := range fields {
		v, ok := raw[f.name]
		if !ok {
			return nil, &FormatError{Cmd: cmd, Reason: "missing field " + f.name}
		}
		if err := checkKind(v, f.kind); err != nil {
			return nil, &FormatError{Cmd: cmd, Reason: "field " + f.name, Err: err}
		}
	}

	env := newEnvelope(cmd)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, &FormatError{Cmd: cmd, Reason: "decode body", Err: err}
	}
	return env, nil
}

// ValidateID checks that id is a non-empty string of ASCII digits.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("ID is empty")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return fmt.Errorf("ID %q is not numeric", id)
		}
	}
	return nil
}

func checkKind(v json.RawMessage, want kind) error {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return errors.New("empty value")
	}

	var got kind
	switch c := v[0]; {
	case c == '"':
		got = kindString
	case c == 't' || c == 'f':
		got = kindBool
	case c == '{':
		got = kindMap
	case c == '[':
		got = kindList
	case c == 'n':
		if want == kindMap || want == kindList {
			return nil
		}
		return fmt.Errorf("null where %s expected", want)
	case c == '-' || (c >= '0' && c <= '9'):
		if _, err := strconv.ParseInt(string(v), 10, 64); err != nil {
			return fmt.Errorf("%s is not an integer", v)
		}
		got = kindInt
	default:
		return fmt.Errorf("unrecognized value %s", v)
	}

	if got != want {
		return fmt.Errorf("%s where %s expected", got, want)
	}
	return nil
}
