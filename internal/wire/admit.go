package wire

import "github.com/matheus3301/wppcrm/internal/model"

// Viewer is the signed-in agent whose preferences drive admission.
type Viewer struct {
	UserID                int64
	RestrictContactType   bool
	ContactTypePreference model.ContactType
}

// Admit decides whether a realtime-pushed new conversation enters the local store.
// REST pages are filtered by the server and never pass through here.
func Admit(c model.Conversation, v Viewer) bool {
	if !v.RestrictContactType {
		return true
	}
	pref := v.ContactTypePreference
	if pref == "" || pref == model.ContactTypeAll {
		return true
	}
	ct := c.Contact.ContactType
	if ct == "" {
		ct = model.ContactTypeAll
	}
	return ct == pref
}
