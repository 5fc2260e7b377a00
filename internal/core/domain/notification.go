package domain

import (
	"encoding/json"
	"strings"
)

// Notification announces that an alert was updated. Only AlertUID is
// used by the gate.
type Notification struct {
	AlertUID string
	Raw      []byte
}

// Valid reports whether the notification carries an alert identifier
func (n Notification) Valid() bool {
	return strings.TrimSpace(n.AlertUID) != ""
}

// ParseNotification decodes a notification payload. The identifier is
// looked up in "alert_uid", then "attributes.uuid", then "alert.uuid".
// Undecodable payloads produce a notification with an empty AlertUID.
func ParseNotification(data []byte) Notification {
	n := Notification{Raw: data}

	var wire struct {
		AlertUID   string `json:"alert_uid"`
		Attributes struct {
			UUID string `json:"uuid"`
		} `json:"attributes"`
		Alert struct {
			UUID string `json:"uuid"`
		} `json:"alert"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return n
	}

	n.AlertUID = strings.TrimSpace(firstNonEmpty(wire.AlertUID, wire.Attributes.UUID, wire.Alert.UUID))
	return n
}
