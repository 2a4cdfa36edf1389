// Package notification models the small JSON payload APNs expects in a
// push request body. The payload shape itself is an external collaborator
// of this client — Apple, not this package, defines what "aps" may contain
// — so Payload intentionally stays a thin map rather than a field-for-field
// struct of every possible key.
package notification

import "encoding/json"

// PushType is the apns-push-type header value. APNs requires this header
// on every request as of 2021; omitting it is a BadPushType/MissingPushType
// rejection, not a silent default.
type PushType string

const (
	PushTypeAlert        PushType = "alert"
	PushTypeBackground   PushType = "background"
	PushTypeVOIP         PushType = "voip"
	PushTypeComplication PushType = "complication"
	PushTypeFileProvider PushType = "fileprovider"
	PushTypeMDM          PushType = "mdm"
	PushTypeLiveActivity PushType = "liveactivity"
	PushTypePushToTalk   PushType = "pushtotalk"
)

// Notification is one push notification: a push type (which selects the
// apns-push-type header) and an arbitrary payload object, typically built
// around an "aps" key.
type Notification struct {
	PushType PushType
	Payload  map[string]any
}

// Alert builds a simple visible alert notification with the given title
// and body under aps.alert.
func Alert(title, body string) Notification {
	return Notification{
		PushType: PushTypeAlert,
		Payload: map[string]any{
			"aps": map[string]any{
				"alert": map[string]any{
					"title": title,
					"body":  body,
				},
			},
		},
	}
}

// Background builds a silent background notification (aps.content-available).
func Background(payload map[string]any) Notification {
	if payload == nil {
		payload = map[string]any{}
	}
	aps, _ := payload["aps"].(map[string]any)
	if aps == nil {
		aps = map[string]any{}
	}
	aps["content-available"] = 1
	payload["aps"] = aps
	return Notification{PushType: PushTypeBackground, Payload: payload}
}

// MarshalJSON encodes the notification body APNs expects: the Payload map
// verbatim, PushType is carried separately as a header and never appears
// in the body.
func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Payload)
}
