package normalize

import (
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/validation"
)

var barePhonePattern = regexp.MustCompile(`^\+?[0-9]{6,16}$`)

type chatKind int

const (
	chatInvalid chatKind = iota
	chatDirect
	// chatHidden is a direct chat addressed by a LID, which carries no phone number.
	chatHidden
	// chatNonContact covers groups, broadcast lists, status and newsletters.
	chatNonContact
)

// parseChatJID strips the channel suffix ("@s.whatsapp.net", "@c.us") and any device part
// from a chat address and returns the phone digits.
func parseChatJID(raw string) (string, chatKind) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", chatInvalid
	}
	if !strings.Contains(raw, "@") {
		if barePhonePattern.MatchString(raw) {
			return validation.NormalizePhone(raw), chatDirect
		}
		return "", chatInvalid
	}

	jid, err := types.ParseJID(raw)
	if err != nil {
		return "", chatInvalid
	}
	switch jid.Server {
	case types.DefaultUserServer, types.LegacyUserServer:
		phone := validation.NormalizePhone(jid.User)
		if phone == "" {
			return "", chatInvalid
		}
		return phone, chatDirect
	case types.HiddenUserServer:
		return "", chatHidden
	default:
		return "", chatNonContact
	}
}

// ChatJID is the canonical address of a phone's direct chat.
func ChatJID(phone string) string {
	return types.NewJID(validation.NormalizePhone(phone), types.DefaultUserServer).String()
}
