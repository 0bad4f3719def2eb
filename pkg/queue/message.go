package queue

import (
	"encoding/json"
	"time"
)

// Message is one unit of work obtained from a queue.
//
// Receipt proves ownership of the current lease and is consumed by Delete or
// replaced by Renew; a message obtained via Peek carries no receipt and no
// lease expiry. DequeueCount is how many times the message has been leased,
// which callers can use to spot poison messages.
type Message struct {
	ID           int64
	Receipt      string
	Payload      []byte
	LeaseUntil   *time.Time
	DequeueCount int
}

// wireMessage is the service's JSON representation of a message.
type wireMessage struct {
	ID           int64      `json:"id"`
	Body         string     `json:"body"`
	Receipt      string     `json:"receipt,omitempty"`
	LeaseUntil   *time.Time `json:"lease_until,omitempty"`
	DequeueCount int        `json:"dequeue_count"`
}

func messageFromWire(w wireMessage) *Message {
	return &Message{
		ID:           w.ID,
		Receipt:      w.Receipt,
		Payload:      []byte(w.Body),
		LeaseUntil:   w.LeaseUntil,
		DequeueCount: w.DequeueCount,
	}
}

type enqueueRequest struct {
	Body    string `json:"body"`
	DelayMS int64  `json:"delay_ms,omitempty"`
}

type enqueueResponse struct {
	ID int64 `json:"id"`
}

type leaseRequest struct {
	Max          int   `json:"max"`
	VisibilityMS int64 `json:"visibility_ms"`
}

type peekRequest struct {
	Max int `json:"max"`
}

type renewRequest struct {
	Receipt      string `json:"receipt"`
	VisibilityMS int64  `json:"visibility_ms"`
}

type renewResponse struct {
	Receipt    string    `json:"receipt"`
	LeaseUntil time.Time `json:"lease_until"`
}

type deleteRequest struct {
	Receipt string `json:"receipt"`
}

type queueInfo struct {
	Name             string `json:"name"`
	ApproximateCount int64  `json:"approximate_count"`
}

type errorBody struct {
	Error string `json:"error"`
}

func decodeError(b []byte) string {
	var eb errorBody
	if err := json.Unmarshal(b, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	return string(b)
}
