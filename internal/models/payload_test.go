package models

import (
	"encoding/json"
	"testing"
)

func TestDecodePayload_Generic(t *testing.T) {
	p := DecodePayload(`{"type":"open_position","data":{"symbol":"ETH","amount":1.5,"tp":{},"sl":{}}}`)
	g, ok := p.(GenericPayload)
	if !ok {
		t.Fatalf("expected GenericPayload, got %T", p)
	}
	if g.Type != PayloadOpenPosition {
		t.Fatalf("expected open_position, got %s", g.Type)
	}
	var pos OpenPositionPayload
	if err := g.DecodeData(&pos); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if pos.Symbol != "ETH" || pos.Amount != 1.5 {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestDecodePayload_NumericType(t *testing.T) {
	p := DecodePayload(`{"type":0,"data":{"reportingApiEndpoint":"https://r"}}`)
	g, ok := p.(GenericPayload)
	if !ok || g.Type != PayloadFundResponse {
		t.Fatalf("expected fund_response payload, got %#v", p)
	}
}

func TestDecodePayload_Negotiation(t *testing.T) {
	p := DecodePayload(`{"name":"Meme","serviceRequirement":{"topic":"cats"}}`)
	np, ok := p.(NegotiationPayload)
	if !ok {
		t.Fatalf("expected NegotiationPayload, got %T", p)
	}
	if np.Name != "Meme" || string(np.ServiceRequirement) != `{"topic":"cats"}` {
		t.Fatalf("unexpected negotiation payload %+v", np)
	}
}

func TestDecodePayload_Deliverable(t *testing.T) {
	p := DecodePayload(`{"type":"url","value":"https://example.com/out.png"}`)
	d, ok := p.(DeliverablePayload)
	if !ok {
		t.Fatalf("expected DeliverablePayload, got %T", p)
	}
	if d.Type != "url" {
		t.Fatalf("expected url, got %s", d.Type)
	}
}

func TestDecodePayload_OpaqueFallback(t *testing.T) {
	for _, content := range []string{"", "plain text", "{broken", `{"foo":1}`, `{"type":"nope","data":{}}`, "[1,2]"} {
		p := DecodePayload(content)
		o, ok := p.(OpaquePayload)
		if !ok {
			t.Fatalf("%q: expected OpaquePayload, got %T", content, p)
		}
		if o.Raw != content {
			t.Fatalf("%q: expected raw content preserved, got %q", content, o.Raw)
		}
	}
}

func TestNegotiationPayload_RoundTrip(t *testing.T) {
	offering := Offering{Name: "Test Service"}
	np, err := offering.BuildRequirement(map[string]any{"requirement": "make it blue"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	content, err := EncodePayload(np)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	back, ok := DecodePayload(content).(NegotiationPayload)
	if !ok {
		t.Fatalf("expected negotiation payload back, got %q", content)
	}
	var req map[string]string
	if err := json.Unmarshal(back.ServiceRequirement, &req); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if back.Name != "Test Service" || req["requirement"] != "make it blue" {
		t.Fatalf("round trip mismatch: %s", content)
	}
}

func TestOffering_BuildRequirementString(t *testing.T) {
	np, err := Offering{Name: "Chat"}.BuildRequirement("hello")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if np.Message != "hello" || np.ServiceRequirement != nil {
		t.Fatalf("expected string requirement as message, got %+v", np)
	}
}

func TestOffering_BuildRequirementSchemaMismatch(t *testing.T) {
	o := Offering{Name: "Chart", RequirementSchema: map[string]any{"type": "object"}}
	if _, err := o.BuildRequirement([]int{1, 2}); err == nil {
		t.Fatalf("expected error for non-object requirement")
	}
}
