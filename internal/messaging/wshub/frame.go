package wshub

import "tabrelay/internal/domain"

type op string

const (
	opSubscribe   op = "subscribe"
	opUnsubscribe op = "unsubscribe"
	opPublish     op = "publish"
	opDeliver     op = "deliver"
)

// frame is the single message shape exchanged over a hub connection.
type frame struct {
	Op       op               `json:"op"`
	Sub      string           `json:"sub,omitempty"`
	Topic    string           `json:"topic,omitempty"`
	Endpoint string           `json:"endpoint,omitempty"`
	Envelope *domain.Envelope `json:"envelope,omitempty"`
}
