package protocol

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that any valid frame can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgType := rapid.Byte().Draw(t, "type")
		// compressed frames need real LZ4 data, covered by TestCompressionRoundTripRapid
		flags := rapid.Byte().Draw(t, "flags") &^ FlagCompressed
		payload := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "payload")

		original := &Frame{Version: ProtocolVersion, Type: msgType, Flags: flags, Payload: payload}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Type != original.Type || decoded.Flags != original.Flags {
			t.Fatalf("header mismatch: got %d/%d, want %d/%d", decoded.Type, decoded.Flags, original.Type, original.Flags)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestCompressionRoundTripRapid checks that compressible payloads survive the trip
func TestCompressionRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		word := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "word")
		repeat := rapid.IntRange(100, 2000).Draw(t, "repeat")
		payload := bytes.Repeat([]byte(word), repeat)

		data, err := MarshalFrame(&Frame{Version: ProtocolVersion, Type: uint8(CmdChat), Payload: payload})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		decoded, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(decoded.Payload, payload) {
			t.Fatalf("payload mismatch after compression")
		}
	})
}

var (
	genID       = rapid.StringMatching(`[1-9][0-9]{4,7}`)
	genText     = rapid.StringMatching(`[ -~]{0,40}`)
	genNickname = rapid.StringMatching(`[a-zA-Z0-9_]{1,20}`)
)

func genHeader(cmd Command) *rapid.Generator[Header] {
	return rapid.Custom(func(t *rapid.T) Header {
		return Header{ID: genID.Draw(t, "ID"), Cmd: cmd, MsgID: rapid.Int64Min(0).Draw(t, "msgid")}
	})
}

func genExtInfo(t *rapid.T) map[string]any {
	if rapid.Bool().Draw(t, "nilExt") {
		return nil
	}
	return rapid.MapOf(rapid.StringMatching(`[a-z]{1,6}`), rapid.StringMatching(`[a-z ]{0,10}`).AsAny()).Draw(t, "ext")
}

func genSummary() *rapid.Generator[Summary] {
	return rapid.Custom(func(t *rapid.T) Summary {
		return Summary{ID: genID.Draw(t, "id"), Online: rapid.Bool().Draw(t, "online"), Nickname: genNickname.Draw(t, "nick")}
	})
}

func genPublicInfo(t *rapid.T) PublicInfo {
	return PublicInfo{
		Summary:  genSummary().Draw(t, "summary"),
		Sex:      rapid.SampledFrom([]string{"", "male", "female", "other"}).Draw(t, "sex"),
		Birthday: rapid.StringMatching(`(19|20)[0-9]{2}-[01][0-9]-[0-3][0-9]`).Draw(t, "birthday"),
		Desc:     genText.Draw(t, "desc"),
		ExtInfo:  genExtInfo(t),
	}
}

func genGroups(t *rapid.T) Groups[Summary] {
	n := rapid.IntRange(0, 4).Draw(t, "groups")
	var out Groups[Summary]
	for i := 0; i < n; i++ {
		members := make([]Summary, rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("members%d", i)))
		for j := range members {
			members[j] = genSummary().Draw(t, fmt.Sprintf("member%d_%d", i, j))
		}
		out = append(out, Group[Summary]{Name: fmt.Sprintf("group-%d", i), Members: members})
	}
	return out
}

func genEnvelope(t *rapid.T) Envelope {
	cmd := rapid.SampledFrom(Commands()).Draw(t, "cmd")
	h := genHeader(cmd).Draw(t, "header")
	switch cmd {
	case CmdLogin:
		return &Login{Header: h, Pwd: genText.Draw(t, "pwd")}
	case CmdLogout:
		return &Logout{Header: h}
	case CmdRegister:
		return &Register{Header: h, Pwd: genText.Draw(t, "pwd"), Nickname: genNickname.Draw(t, "nick")}
	case CmdReqUserInfo:
		return &ReqUserInfo{Header: h}
	case CmdChat:
		return &Chat{Header: h, Chat: genText.Draw(t, "chat"), FriendID: genID.Draw(t, "friend"), Nickname: genNickname.Draw(t, "nick")}
	case CmdAddDelFriend:
		return &AddDelFriend{Header: h, FriendID: genID.Draw(t, "friend"), Nickname: genNickname.Draw(t, "nick"),
			Group: genNickname.Draw(t, "group"), Add: rapid.Bool().Draw(t, "add")}
	case CmdAddDelGroup:
		return &AddDelGroup{Header: h, Group: genNickname.Draw(t, "group"), MoveTo: genNickname.Draw(t, "moveto"), Add: rapid.Bool().Draw(t, "add")}
	case CmdAcceptDenyReq:
		return &AcceptDenyReq{Header: h, Group: genNickname.Draw(t, "group"), FriendID: genID.Draw(t, "friend"),
			Nickname: genNickname.Draw(t, "nick"), Accept: rapid.Bool().Draw(t, "accept")}
	case CmdQueryFriendInfo:
		return &QueryFriendInfo{Header: h, FriendID: genID.Draw(t, "friend")}
	case CmdFindFriend:
		return &FindFriend{Header: h, FriendID: genText.Draw(t, "friend"), Nickname: genText.Draw(t, "nick"), Fuzzy: rapid.Bool().Draw(t, "fuzzy")}
	case CmdSetInfo:
		return &SetInfo{Header: h, Nickname: genNickname.Draw(t, "nick"), Sex: genText.Draw(t, "sex"),
			AllowFind: rapid.Bool().Draw(t, "allow"), Birthday: genText.Draw(t, "birthday"), Desc: genText.Draw(t, "desc"), ExtInfo: genExtInfo(t)}
	case CmdModifyPassword:
		return &ModifyPassword{Header: h, OldPwd: genText.Draw(t, "old"), NewPwd: genText.Draw(t, "new")}
	case CmdRetFindResult:
		return &RetFindResult{Header: h, Result: rapid.SliceOfN(genSummary(), 1, 5).Draw(t, "result")}
	case CmdRetFriendInfo:
		return &RetFriendInfo{Header: h, Group: genNickname.Draw(t, "group"), Result: genPublicInfo(t)}
	case CmdRetOnlineNotify:
		return &RetOnlineNotify{Header: h, FriendID: genID.Draw(t, "friend"), Nickname: genNickname.Draw(t, "nick"), Online: rapid.Bool().Draw(t, "online")}
	case CmdRetUserInfo:
		m := &RetUserInfo{Header: h, Success: rapid.Bool().Draw(t, "ok"), Reason: genText.Draw(t, "reason"), ExeCmd: CmdLogin}
		if m.Success {
			m.User = Profile{PublicInfo: genPublicInfo(t), AllowFind: rapid.Bool().Draw(t, "allow"), Groups: genGroups(t)}
		}
		return m
	default:
		return &Receipt{Header: h, Reason: genText.Draw(t, "reason"), Success: rapid.Bool().Draw(t, "ok"),
			ExeCmd: rapid.SampledFrom(Commands()).Draw(t, "exe")}
	}
}

// TestEnvelopeRoundTrip tests that every variant survives encode then decode
// field for field, with and without the AEAD cipher.
func TestEnvelopeRoundTrip(t *testing.T) {
	sealed, err := NewAEADCipher("round-trip secret")
	require.NoError(t, err)

	for name, codec := range map[string]*Codec{"plain": NewCodec(nil), "sealed": NewCodec(sealed)} {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				env := genEnvelope(t)

				frame, err := codec.Encode(env)
				if err != nil {
					t.Fatalf("encode %s: %v", env.Command(), err)
				}
				data, err := MarshalFrame(frame)
				if err != nil {
					t.Fatalf("marshal frame: %v", err)
				}
				back, err := DecodeMessage(data)
				if err != nil {
					t.Fatalf("decode frame: %v", err)
				}
				decoded, err := codec.Decode(back)
				if err != nil {
					t.Fatalf("decode %s: %v", env.Command(), err)
				}

				require.Equal(t, env, decoded)
			})
		})
	}
}
