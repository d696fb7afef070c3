// Package bus implements the authenticated local IPC bus (C7): length-prefixed
// JSON frames exchanged over a UNIX domain socket (default) or loopback TCP
// (explicit fallback), each carrying a per-frame HMAC and replay-protection
// nonce, validated against a jsonschema/v6 schema registry before dispatch.
package bus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MsgType enumerates the bus frame taxonomy. ACK is a pure handshake and must
// never be used by a Handler to mutate task status.
type MsgType string

const (
	MsgHello            MsgType = "HELLO"
	MsgDelegate         MsgType = "DELEGATE"
	MsgNotify           MsgType = "NOTIFY"
	MsgAck              MsgType = "ACK"
	MsgStatusRequest    MsgType = "STATUS_REQUEST"
	MsgStatusResponse   MsgType = "STATUS_RESPONSE"
	MsgApprovalRequest  MsgType = "APPROVAL_REQUEST"
	MsgApprovalDecision MsgType = "APPROVAL_DECISION"
	MsgHeartbeat        MsgType = "HEARTBEAT"
	MsgBye              MsgType = "BYE"
)

// Frame is the wire shape of a bus message, per §6: fields `msg_type, msg_id,
// from, to, ts, nonce, hmac, payload`. A bijective compact alias (t,i,f,o,s,n,
// h,p) is supported via MarshalCompact/UnmarshalCompact for bandwidth-
// sensitive consumers.
type Frame struct {
	MsgType MsgType         `json:"msg_type"`
	MsgID   string          `json:"msg_id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	TS      int64           `json:"ts"`
	Nonce   string          `json:"nonce"`
	HMAC    string          `json:"hmac"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// compactFrame is the bandwidth-optimised alias form; every field maps
// one-to-one onto Frame's fields.
type compactFrame struct {
	T MsgType         `json:"t"`
	I string          `json:"i"`
	F string          `json:"f"`
	O string          `json:"o"`
	S int64           `json:"s"`
	N string          `json:"n"`
	H string          `json:"h"`
	P json.RawMessage `json:"p,omitempty"`
}

// MarshalCompact renders f using the short-key alias form.
func (f Frame) MarshalCompact() ([]byte, error) {
	return json.Marshal(compactFrame{T: f.MsgType, I: f.MsgID, F: f.From, O: f.To, S: f.TS, N: f.Nonce, H: f.HMAC, P: f.Payload})
}

// UnmarshalCompact parses the short-key alias form into a Frame.
func UnmarshalCompact(data []byte) (Frame, error) {
	var c compactFrame
	if err := json.Unmarshal(data, &c); err != nil {
		return Frame{}, err
	}
	return Frame{MsgType: c.T, MsgID: c.I, From: c.F, To: c.O, TS: c.S, Nonce: c.N, HMAC: c.H, Payload: c.P}, nil
}

// canonicalString builds the exact byte sequence signed and verified over:
// "from|to|msg_type|msg_id|ts|nonce|payload", with payload rendered through
// canonicalJSON so map key order never affects the signature.
func canonicalString(f Frame) (string, error) {
	payload, err := canonicalJSON(f.Payload)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		f.From, f.To, string(f.MsgType), f.MsgID, strconv.FormatInt(f.TS, 10), f.Nonce, string(payload),
	}, "|"), nil
}

// Sign computes and sets f.HMAC over the canonical serialisation of every
// other field, using key as the shared secret.
func Sign(key []byte, f *Frame) error {
	canon, err := canonicalString(*f)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canon))
	f.HMAC = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return nil
}

// VerifyMAC reports whether f.HMAC matches the signature key would produce,
// using constant-time comparison.
func VerifyMAC(key []byte, f Frame) bool {
	canon, err := canonicalString(f)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canon))
	expected := mac.Sum(nil)
	got, err := base64.StdEncoding.DecodeString(f.HMAC)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// canonicalJSON round-trips raw through encoding/json and rewrites every
// object's keys in sorted order so two semantically identical payloads with
// differently-ordered keys sign identically. An empty/nil input canonicalises
// to "null".
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("bus: canonicalise payload: %w", err)
	}
	return json.Marshal(sortedCopy(v))
}

func sortedCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(val))
		for _, k := range keys {
			ordered[k] = sortedCopy(val[k])
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortedCopy(item)
		}
		return out
	default:
		return val
	}
}
