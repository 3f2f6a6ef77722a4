// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fanout

import "encoding/json"

// Client message types.
const (
	MsgSubscribe         = "subscribe"
	MsgUnsubscribe       = "unsubscribe"
	MsgUnsubscribeAll    = "unsubscribe_all"
	MsgPing              = "ping"
	MsgListSubscriptions = "list_subscriptions"
)

// Server message types.
const (
	MsgSubscribed    = "subscribed"
	MsgUnsubscribed  = "unsubscribed"
	MsgSubscriptions = "subscriptions"
	MsgEvent         = "event"
	MsgPong          = "pong"
	MsgThrottled     = "throttled"
	MsgShutdown      = "shutdown"
	MsgError         = "error"
)

// clientMessage is the envelope for everything a client sends.
type clientMessage struct {
	Type           string         `json:"type"`
	Event          string         `json:"event,omitempty"`
	Filter         map[string]any `json:"filter,omitempty"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
}

// serverMessage is the envelope for everything the hub sends.
type serverMessage struct {
	Type           string           `json:"type"`
	Event          string           `json:"event,omitempty"`
	SubscriptionID string           `json:"subscriptionId,omitempty"`
	Payload        map[string]any   `json:"payload,omitempty"`
	Subscriptions  []SubscriptionInfo `json:"subscriptions,omitempty"`
	Replayed       bool             `json:"replayed,omitempty"`
	Message        string           `json:"message,omitempty"`
	PendingBytes   int64            `json:"pendingBytes,omitempty"`
}

// SubscriptionInfo is the introspection view returned by list_subscriptions.
// RawFilter is echoed exactly as the client sent it.
type SubscriptionInfo struct {
	SubscriptionID string         `json:"subscriptionId"`
	Event          string         `json:"event"`
	RawFilter      map[string]any `json:"filter,omitempty"`
}

func encodeServerMessage(msg serverMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// Payload values come from our own pipeline and are always
		// JSON-encodable; a failure here is a programming error.
		panic("fanout: unencodable server message: " + err.Error())
	}
	return data
}
