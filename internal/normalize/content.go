package normalize

import (
	"fmt"
	"strings"

	"github.com/rivo/uniseg"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
)

// maxUnwrapDepth bounds recursion through wrapper messages.
const maxUnwrapDepth = 4

type mediaContent struct {
	Caption  Text `json:"caption"`
	FileName Text `json:"fileName"`
	Title    Text `json:"title"`
	Mimetype Text `json:"mimetype"`
}

type locationContent struct {
	Name      Text  `json:"name"`
	Address   Text  `json:"address"`
	Latitude  Float `json:"degreesLatitude"`
	Longitude Float `json:"degreesLongitude"`
}

type wrapperContent struct {
	Message *messageContent `json:"message"`
}

// messageContent mirrors the nested "message" object of the gateway's message records.
type messageContent struct {
	Conversation        Text `json:"conversation"`
	ExtendedTextMessage *struct {
		Text Text `json:"text"`
	} `json:"extendedTextMessage"`

	ImageMessage    *mediaContent `json:"imageMessage"`
	StickerMessage  *mediaContent `json:"stickerMessage"`
	VideoMessage    *mediaContent `json:"videoMessage"`
	PtvMessage      *mediaContent `json:"ptvMessage"`
	AudioMessage    *mediaContent `json:"audioMessage"`
	DocumentMessage *mediaContent `json:"documentMessage"`

	LocationMessage     *locationContent `json:"locationMessage"`
	LiveLocationMessage *locationContent `json:"liveLocationMessage"`

	ContactMessage *struct {
		DisplayName Text `json:"displayName"`
	} `json:"contactMessage"`
	ContactsArrayMessage *struct {
		DisplayName Text `json:"displayName"`
	} `json:"contactsArrayMessage"`

	ButtonsResponseMessage *struct {
		SelectedDisplayText Text `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
	TemplateButtonReplyMessage *struct {
		SelectedDisplayText Text `json:"selectedDisplayText"`
	} `json:"templateButtonReplyMessage"`
	ListResponseMessage *struct {
		Title Text `json:"title"`
	} `json:"listResponseMessage"`

	EphemeralMessage           *wrapperContent `json:"ephemeralMessage"`
	ViewOnceMessage            *wrapperContent `json:"viewOnceMessage"`
	ViewOnceMessageV2          *wrapperContent `json:"viewOnceMessageV2"`
	ViewOnceMessageV2Extension *wrapperContent `json:"viewOnceMessageV2Extension"`
	DocumentWithCaptionMessage *wrapperContent `json:"documentWithCaptionMessage"`
	EditedMessage              *wrapperContent `json:"editedMessage"`
}

// extracted is the result of content extraction. Kind is empty when no recognized field was present.
type extracted struct {
	Text    string
	Kind    store.MessageType
	Sticker bool
}

func (e extracted) empty() bool {
	return e.Text == "" && e.Kind == ""
}

// Display returns the text, or a placeholder label for media without caption.
func (e extracted) Display() string {
	if e.Text != "" {
		return e.Text
	}
	if e.Sticker {
		return "Sticker"
	}
	return placeholder(e.Kind)
}

func placeholder(kind store.MessageType) string {
	switch kind {
	case store.TypeImage:
		return "Image"
	case store.TypeAudio:
		return "Audio"
	case store.TypeVideo:
		return "Video"
	case store.TypeDocument:
		return "Document"
	case store.TypeLocation:
		return "Location"
	default:
		return ""
	}
}

func (c *messageContent) unwrap() *messageContent {
	for _, w := range []*wrapperContent{
		c.EphemeralMessage,
		c.ViewOnceMessage,
		c.ViewOnceMessageV2,
		c.ViewOnceMessageV2Extension,
		c.DocumentWithCaptionMessage,
		c.EditedMessage,
	} {
		if w != nil && w.Message != nil {
			return w.Message
		}
	}
	return nil
}

// extract applies the content priority: plain conversation, extended text, media (with caption),
// location, contact cards and interactive replies. Protocol, reaction and other system payloads
// match nothing and come back empty.
func extract(c *messageContent) extracted {
	for depth := 0; c != nil && depth <= maxUnwrapDepth; depth++ {
		if inner := c.unwrap(); inner != nil {
			c = inner
			continue
		}
		return extractFlat(c)
	}
	return extracted{}
}

func extractFlat(c *messageContent) extracted {
	switch {
	case c.Conversation.String() != "":
		return extracted{Text: c.Conversation.String(), Kind: store.TypeText}
	case c.ExtendedTextMessage != nil && c.ExtendedTextMessage.Text.String() != "":
		return extracted{Text: c.ExtendedTextMessage.Text.String(), Kind: store.TypeText}
	case c.ImageMessage != nil:
		return extracted{Text: c.ImageMessage.Caption.String(), Kind: store.TypeImage}
	case c.StickerMessage != nil:
		return extracted{Kind: store.TypeImage, Sticker: true}
	case c.VideoMessage != nil:
		return extracted{Text: c.VideoMessage.Caption.String(), Kind: store.TypeVideo}
	case c.PtvMessage != nil:
		return extracted{Text: c.PtvMessage.Caption.String(), Kind: store.TypeVideo}
	case c.AudioMessage != nil:
		return extracted{Kind: store.TypeAudio}
	case c.DocumentMessage != nil:
		d := c.DocumentMessage
		return extracted{Text: firstText(d.Caption, d.FileName, d.Title), Kind: store.TypeDocument}
	case c.LocationMessage != nil:
		return extracted{Text: locationText(c.LocationMessage), Kind: store.TypeLocation}
	case c.LiveLocationMessage != nil:
		return extracted{Text: locationText(c.LiveLocationMessage), Kind: store.TypeLocation}
	case c.ContactMessage != nil && c.ContactMessage.DisplayName.String() != "":
		return extracted{Text: "Contact: " + c.ContactMessage.DisplayName.String(), Kind: store.TypeText}
	case c.ContactsArrayMessage != nil && c.ContactsArrayMessage.DisplayName.String() != "":
		return extracted{Text: "Contacts: " + c.ContactsArrayMessage.DisplayName.String(), Kind: store.TypeText}
	case c.ButtonsResponseMessage != nil && c.ButtonsResponseMessage.SelectedDisplayText.String() != "":
		return extracted{Text: c.ButtonsResponseMessage.SelectedDisplayText.String(), Kind: store.TypeText}
	case c.TemplateButtonReplyMessage != nil && c.TemplateButtonReplyMessage.SelectedDisplayText.String() != "":
		return extracted{Text: c.TemplateButtonReplyMessage.SelectedDisplayText.String(), Kind: store.TypeText}
	case c.ListResponseMessage != nil && c.ListResponseMessage.Title.String() != "":
		return extracted{Text: c.ListResponseMessage.Title.String(), Kind: store.TypeText}
	}
	return extracted{}
}

func locationText(l *locationContent) string {
	if s := firstText(l.Name, l.Address); s != "" {
		return s
	}
	if l.Latitude != 0 || l.Longitude != 0 {
		return fmt.Sprintf("%.6f,%.6f", float64(l.Latitude), float64(l.Longitude))
	}
	return ""
}

// typeFromName maps flat "messageType" values ("imageMessage", "image", "ptt", ...).
func typeFromName(name string) (store.MessageType, bool) {
	n := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "Message"))
	switch n {
	case "conversation", "extendedtext", "text", "chat":
		return store.TypeText, true
	case "image", "sticker":
		return store.TypeImage, true
	case "audio", "ptt", "voice":
		return store.TypeAudio, true
	case "video", "ptv", "gif":
		return store.TypeVideo, true
	case "document", "documentwithcaption", "file":
		return store.TypeDocument, true
	case "location", "livelocation":
		return store.TypeLocation, true
	}
	return "", false
}

func firstText(values ...Text) string {
	for _, v := range values {
		if s := v.String(); s != "" {
			return s
		}
	}
	return ""
}

// Truncate shortens s to at most n user-perceived characters, appending an ellipsis.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || uniseg.GraphemeClusterCount(s) <= n {
		return s
	}
	var b strings.Builder
	g := uniseg.NewGraphemes(s)
	for i := 0; i < n-1 && g.Next(); i++ {
		b.WriteString(g.Str())
	}
	return strings.TrimSpace(b.String()) + "…"
}
