package gateway

import (
	"encoding/json"
	"strings"
)

// State is the gateway's view of an instance connection.
type State string

const (
	StateOpen       State = "open"
	StateConnecting State = "connecting"
	StateClosed     State = "close"
)

// ParseState maps the gateway's state strings; anything unknown reads as closed.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "connected", "online":
		return StateOpen
	case "connecting", "pairing":
		return StateConnecting
	default:
		return StateClosed
	}
}

// ConnectResult is the answer to a connect request: either a QR payload, a pairing code
// or an instance that is already open.
type ConnectResult struct {
	State       State  `json:"state"`
	QRCode      string `json:"qr_code,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

type SendResult struct {
	MessageID string          `json:"message_id"`
	Status    string          `json:"status"`
	Raw       json.RawMessage `json:"-"`
}

type connectPayload struct {
	Base64      string `json:"base64"`
	Code        string `json:"code"`
	PairingCode string `json:"pairingCode"`
	State       string `json:"state"`
	Instance    struct {
		State string `json:"state"`
	} `json:"instance"`
	QRCode *struct {
		Base64 string `json:"base64"`
		Code   string `json:"code"`
	} `json:"qrcode"`
}

func (p connectPayload) result() ConnectResult {
	res := ConnectResult{State: ParseState(firstNonEmpty(p.Instance.State, p.State))}
	base64, code := p.Base64, p.Code
	if p.QRCode != nil {
		base64 = firstNonEmpty(base64, p.QRCode.Base64)
		code = firstNonEmpty(code, p.QRCode.Code)
	}
	res.QRCode = firstNonEmpty(base64, code)
	res.PairingCode = p.PairingCode
	if res.State == StateOpen {
		res.QRCode = ""
	}
	return res
}

type statePayload struct {
	State    string `json:"state"`
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
}

type sendPayload struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// decodeList accepts a bare array or an object holding the array under one of keys,
// optionally nested one level deeper under "records".
func decodeList(body []byte, keys ...string) []json.RawMessage {
	var list []json.RawMessage
	if json.Unmarshal(body, &list) == nil {
		return list
	}
	var envelope map[string]json.RawMessage
	if json.Unmarshal(body, &envelope) != nil {
		return nil
	}
	for _, key := range keys {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		if json.Unmarshal(raw, &list) == nil {
			return list
		}
		var paged struct {
			Records []json.RawMessage `json:"records"`
		}
		if json.Unmarshal(raw, &paged) == nil && paged.Records != nil {
			return paged.Records
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
