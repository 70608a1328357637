// SPDX-License-Identifier: ice License 1.0

package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

type (
	EnvelopeType string

	Envelope interface {
		nostr.Envelope
	}

	ReqEnvelope struct {
		SubscriptionID string
		Filters
	}
)

const (
	EnvelopeTypeEvent  EnvelopeType = "EVENT"
	EnvelopeTypeReq    EnvelopeType = "REQ"
	EnvelopeTypeNotice EnvelopeType = "NOTICE"
	EnvelopeTypeEOSE   EnvelopeType = "EOSE"
	EnvelopeTypeOK     EnvelopeType = "OK"
	EnvelopeTypeClosed EnvelopeType = "CLOSED"
	EnvelopeTypeClose  EnvelopeType = "CLOSE"
)

var (
	ErrUnknownMessage = fmt.Errorf("unknown message")
	ErrParseMessage   = fmt.Errorf("parse message")
)

// ParseMessage turns one raw wire message into its envelope. Only the
// client-to-relay shapes are parsed here, responses are built directly
// from the nostr envelope types.
func ParseMessage(message []byte) (Envelope, error) {
	firstComma := bytes.IndexByte(message, ',')
	if firstComma == -1 {
		return nil, ErrUnknownMessage
	}
	label := message[:firstComma]

	var v Envelope
	switch {
	case bytes.Contains(label, []byte(EnvelopeTypeEvent)):
		v = &nostr.EventEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeReq)):
		v = &ReqEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeClose)):
		x := nostr.CloseEnvelope("")
		v = &x
	default:
		return nil, ErrUnknownMessage
	}

	if err := v.UnmarshalJSON(message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseMessage, err)
	}

	return v, nil
}

func (*ReqEnvelope) Label() string {
	return string(EnvelopeTypeReq)
}

func (v *ReqEnvelope) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	arr := r.Array()
	if len(arr) < 3 {
		return fmt.Errorf("failed to decode REQ envelope: missing filters")
	}
	v.SubscriptionID = arr[1].Str
	v.Filters = make(Filters, len(arr)-2)
	f := 0
	for i := 2; i < len(arr); i++ {
		if err := json.Unmarshal([]byte(arr[i].Raw), &v.Filters[f]); err != nil {
			return fmt.Errorf("%w -- on filter %d", err, f)
		}
		f++
	}

	return nil
}

func (v *ReqEnvelope) MarshalJSON() ([]byte, error) {
	data := []any{EnvelopeTypeReq, v.SubscriptionID}

	for idx := range v.Filters {
		filterData, err := json.Marshal(v.Filters[idx])
		if err != nil {
			return nil, err
		}
		data = append(data, json.RawMessage(filterData))
	}

	return json.Marshal(data)
}

func (v *ReqEnvelope) String() string {
	data, _ := json.Marshal(v)

	return string(data)
}

// Outbound response shapes. The engine produces the contents, the
// transport owns the actual write.

func OKMessage(eventID string, accepted bool, reason string) string {
	v := nostr.OKEnvelope{EventID: eventID, OK: accepted, Reason: reason}

	return v.String()
}

func NoticeMessage(reason string) string {
	v := nostr.NoticeEnvelope(reason)

	return v.String()
}

func ClosedMessage(subscriptionID, reason string) string {
	v := nostr.ClosedEnvelope{SubscriptionID: subscriptionID, Reason: reason}

	return v.String()
}

func EOSEMessage(subscriptionID string) string {
	v := nostr.EOSEEnvelope(subscriptionID)

	return v.String()
}
