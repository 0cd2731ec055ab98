// Package types defines the wire format exchanged by negotiation agents:
// the signed message envelope, the per-type payloads, and constructors for
// every message in the protocol.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType tags an envelope with its protocol meaning.
type MessageType string

const (
	TypeOffer          MessageType = "OFFER"
	TypeCounter        MessageType = "COUNTER"
	TypeAccept         MessageType = "ACCEPT"
	TypeDecline        MessageType = "DECLINE"
	TypePaymentRequest MessageType = "PAYMENT_REQUEST"
	TypePaymentAck     MessageType = "PAYMENT_ACK"
	TypeError          MessageType = "ERROR"
)

// KnownTypes lists every recognized message type.
var KnownTypes = []MessageType{
	TypeOffer, TypeCounter, TypeAccept, TypeDecline,
	TypePaymentRequest, TypePaymentAck, TypeError,
}

// Well-known agent identifiers. Broadcast is the sentinel `to` value meaning
// "deliver to every subscriber regardless of filter".
const (
	AgentBuyer   = "agent://buyer"
	AgentSeller  = "agent://seller"
	AgentPayment = "agent://payment"
	Broadcast    = "broadcast"
)

// TxNotAvailable is the transaction-id sentinel carried by failure acks.
const TxNotAvailable = "N/A"

// Payment ack status values.
const (
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
)

// Envelope is the unit of communication between agents. An envelope is
// immutable once signed; mutating any field invalidates the signature.
type Envelope struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature,omitempty"`
}

// OfferPayload opens a negotiation.
type OfferPayload struct {
	Item      string  `json:"item"`
	Qty       int     `json:"qty"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
}

// CounterPayload answers an offer or counter with a new price.
type CounterPayload struct {
	Item      string  `json:"item"`
	Qty       int     `json:"qty"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
	Reason    string  `json:"reason,omitempty"`
}

// AcceptPayload closes the price negotiation.
type AcceptPayload struct {
	Item        string  `json:"item"`
	Qty         int     `json:"qty"`
	UnitPrice   float64 `json:"unitPrice"`
	Currency    string  `json:"currency"`
	TotalAmount float64 `json:"totalAmount"`
}

// DeclinePayload terminates the negotiation with a human-readable reason.
type DeclinePayload struct {
	Reason string `json:"reason"`
}

// PaymentRequestPayload asks the settlement agent to execute a transfer.
type PaymentRequestPayload struct {
	Amount    float64 `json:"amount"`
	TokenID   string  `json:"tokenId"`
	ToAccount string  `json:"toAccount"`
	Memo      string  `json:"memo,omitempty"`
	Item      string  `json:"item,omitempty"`
	Qty       int     `json:"qty,omitempty"`
}

// PaymentAckPayload reports the outcome of a transfer.
type PaymentAckPayload struct {
	TransactionID string  `json:"transactionId"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	TokenID       string  `json:"tokenId"`
	Error         string  `json:"error,omitempty"`
}

// ErrorPayload reports a processing failure back to the sender of the
// message that caused it.
type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	OriginalMessageID string `json:"originalMessageId,omitempty"`
}

func newEnvelope(msgType MessageType, from, to, correlationID string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{
		ID:            uuid.NewString(),
		Type:          msgType,
		From:          from,
		To:            to,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Payload:       raw,
	}
}

// NewOffer opens a negotiation; the new envelope's correlation id groups all
// later messages of the thread.
func NewOffer(from, to string, p OfferPayload) Envelope {
	return newEnvelope(TypeOffer, from, to, uuid.NewString(), p)
}

// NewCounter answers within an existing negotiation.
func NewCounter(from, to, correlationID string, p CounterPayload) Envelope {
	return newEnvelope(TypeCounter, from, to, correlationID, p)
}

// NewAccept accepts the counterparty's latest price. TotalAmount is derived
// when the caller leaves it zero.
func NewAccept(from, to, correlationID string, p AcceptPayload) Envelope {
	if p.TotalAmount == 0 {
		p.TotalAmount = float64(p.Qty) * p.UnitPrice
	}
	return newEnvelope(TypeAccept, from, to, correlationID, p)
}

// NewDecline terminates a negotiation.
func NewDecline(from, to, correlationID string, reason string) Envelope {
	return newEnvelope(TypeDecline, from, to, correlationID, DeclinePayload{Reason: reason})
}

// NewPaymentRequest asks the settlement agent to pay for an accepted deal;
// it inherits the negotiation's correlation id.
func NewPaymentRequest(from, to, correlationID string, p PaymentRequestPayload) Envelope {
	return newEnvelope(TypePaymentRequest, from, to, correlationID, p)
}

// NewPaymentAck reports a transfer outcome to the requester.
func NewPaymentAck(from, to, correlationID string, p PaymentAckPayload) Envelope {
	return newEnvelope(TypePaymentAck, from, to, correlationID, p)
}

// NewError reports a processing failure, referencing the failed message.
func NewError(from, to, correlationID string, p ErrorPayload) Envelope {
	return newEnvelope(TypeError, from, to, correlationID, p)
}

// DecodePayload unmarshals the envelope payload into the given typed struct.
func (e Envelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Unsigned returns a copy of the envelope with the signature cleared. The
// signature is always computed over this form.
func (e Envelope) Unsigned() Envelope {
	e.Signature = ""
	return e
}

// Encode serializes the envelope to UTF-8 JSON bytes, the transport payload
// format.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses transport bytes back into an envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
