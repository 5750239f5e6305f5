package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadKind discriminates the variants of Payload.
type PayloadKind int

const (
	PayloadKindOpaque PayloadKind = iota
	PayloadKindNegotiation
	PayloadKindGeneric
	PayloadKindDeliverable
)

// Payload is the decoded form of a memo's content.
type Payload interface {
	Kind() PayloadKind
}

// PayloadType tags the data carried by a GenericPayload.
type PayloadType string

const (
	PayloadFundResponse         PayloadType = "fund_response"
	PayloadOpenPosition         PayloadType = "open_position"
	PayloadClosePosition        PayloadType = "close_position"
	PayloadClosePartialPosition PayloadType = "close_partial_position"
	PayloadPositionFulfilled    PayloadType = "position_fulfilled"
	PayloadCloseJobAndWithdraw  PayloadType = "close_job_and_withdraw"
	PayloadUnfulfilledPosition  PayloadType = "unfulfilled_position"
)

// Numeric encodings use this order.
var payloadTypes = []PayloadType{
	PayloadFundResponse,
	PayloadOpenPosition,
	PayloadClosePosition,
	PayloadClosePartialPosition,
	PayloadPositionFulfilled,
	PayloadCloseJobAndWithdraw,
	PayloadUnfulfilledPosition,
}

func parsePayloadType(raw json.RawMessage) (PayloadType, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n >= 0 && n < len(payloadTypes) {
			return payloadTypes[n], true
		}
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	norm := strings.ReplaceAll(strings.ToLower(s), "_", "")
	for _, t := range payloadTypes {
		if strings.ReplaceAll(string(t), "_", "") == norm {
			return t, true
		}
	}
	return "", false
}

// OpaquePayload is content that matched no known shape.
type OpaquePayload struct {
	Raw string
}

func (OpaquePayload) Kind() PayloadKind { return PayloadKindOpaque }

// NegotiationPayload is the service request a buyer attaches to a new job.
type NegotiationPayload struct {
	Name               string                     `json:"name,omitempty"`
	ServiceRequirement json.RawMessage            `json:"serviceRequirement,omitempty"`
	Message            string                     `json:"message,omitempty"`
	Extra              map[string]json.RawMessage `json:"-"`
}

func (NegotiationPayload) Kind() PayloadKind { return PayloadKindNegotiation }

func (p NegotiationPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Name != "" {
		b, _ := json.Marshal(p.Name)
		out["name"] = b
	}
	if len(p.ServiceRequirement) > 0 {
		out["serviceRequirement"] = p.ServiceRequirement
	}
	if p.Message != "" {
		b, _ := json.Marshal(p.Message)
		out["message"] = b
	}
	return json.Marshal(out)
}

// GenericPayload carries typed data tagged by Type.
type GenericPayload struct {
	Type PayloadType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (GenericPayload) Kind() PayloadKind { return PayloadKindGeneric }

// NewGenericPayload encodes data under the given tag.
func NewGenericPayload(t PayloadType, data any) (GenericPayload, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return GenericPayload{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return GenericPayload{Type: t, Data: b}, nil
}

// DecodeData unmarshals the payload data into v.
func (p GenericPayload) DecodeData(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("payload %s has no data", p.Type)
	}
	return json.Unmarshal(p.Data, v)
}

// DeliverablePayload is what a provider hands over when delivering.
type DeliverablePayload struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (DeliverablePayload) Kind() PayloadKind { return PayloadKindDeliverable }

// NewDeliverable builds a deliverable of the given type ("url", "text", "object"...).
func NewDeliverable(typ string, value any) (DeliverablePayload, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return DeliverablePayload{}, fmt.Errorf("failed to encode deliverable: %w", err)
	}
	return DeliverablePayload{Type: typ, Value: b}, nil
}

// DecodePayload classifies memo content. It never fails: anything that is not a
// JSON object of a recognised shape becomes an OpaquePayload holding the raw text.
func DecodePayload(content string) Payload {
	opaque := OpaquePayload{Raw: content}
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return opaque
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return opaque
	}

	if rawType, ok := fields["type"]; ok {
		if data, ok := fields["data"]; ok {
			if t, ok := parsePayloadType(rawType); ok {
				return GenericPayload{Type: t, Data: data}
			}
		}
		if value, ok := fields["value"]; ok {
			var typ string
			if err := json.Unmarshal(rawType, &typ); err == nil {
				return DeliverablePayload{Type: typ, Value: value}
			}
		}
		return opaque
	}

	_, hasName := fields["name"]
	_, hasReq := fields["serviceRequirement"]
	_, hasMsg := fields["message"]
	if !hasName && !hasReq && !hasMsg {
		return opaque
	}
	np := NegotiationPayload{Extra: make(map[string]json.RawMessage)}
	for k, v := range fields {
		switch k {
		case "name":
			if json.Unmarshal(v, &np.Name) != nil {
				np.Name = strings.Trim(string(v), `"`)
			}
		case "serviceRequirement":
			np.ServiceRequirement = v
		case "message":
			if json.Unmarshal(v, &np.Message) != nil {
				np.Extra[k] = v
			}
		default:
			np.Extra[k] = v
		}
	}
	return np
}

// EncodePayload renders a payload as memo content.
func EncodePayload(p Payload) (string, error) {
	if o, ok := p.(OpaquePayload); ok {
		return o.Raw, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

type FundResponsePayload struct {
	ReportingAPIEndpoint string `json:"reportingApiEndpoint"`
	WalletAddress        string `json:"walletAddress,omitempty"`
}

type TPSLConfig struct {
	Price      *float64 `json:"price,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
}

type PositionDirection string

const (
	DirectionLong  PositionDirection = "long"
	DirectionShort PositionDirection = "short"
)

type OpenPositionPayload struct {
	Symbol          string            `json:"symbol"`
	Amount          float64           `json:"amount"`
	Chain           string            `json:"chain,omitempty"`
	ContractAddress string            `json:"contractAddress,omitempty"`
	Direction       PositionDirection `json:"direction,omitempty"`
	TP              TPSLConfig        `json:"tp"`
	SL              TPSLConfig        `json:"sl"`
}

type ClosePositionPayload struct {
	PositionID int64   `json:"positionId"`
	Amount     float64 `json:"amount"`
}

type PositionFulfilledPayload struct {
	Symbol          string  `json:"symbol"`
	Amount          float64 `json:"amount"`
	ContractAddress string  `json:"contractAddress"`
	Type            string  `json:"type"`
	PnL             float64 `json:"pnl"`
	EntryPrice      float64 `json:"entryPrice"`
	ExitPrice       float64 `json:"exitPrice"`
}

type UnfulfilledPositionPayload struct {
	Symbol          string  `json:"symbol"`
	Amount          float64 `json:"amount"`
	ContractAddress string  `json:"contractAddress"`
	Type            string  `json:"type"`
	Reason          string  `json:"reason,omitempty"`
}

type CloseJobAndWithdrawPayload struct {
	Message string `json:"message"`
}
