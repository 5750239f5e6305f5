package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Agent is a directory entry for a wallet offering services.
type Agent struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name,omitempty"`
	Description     string         `json:"description,omitempty"`
	WalletAddress   string         `json:"walletAddress"`
	Offerings       []Offering     `json:"offerings"`
	TwitterHandle   string         `json:"twitterHandle,omitempty"`
	DocumentID      string         `json:"documentId,omitempty"`
	IsVirtualAgent  *bool          `json:"isVirtualAgent,omitempty"`
	ProfilePic      string         `json:"profilePic,omitempty"`
	Category        string         `json:"category,omitempty"`
	TokenAddress    string         `json:"tokenAddress,omitempty"`
	OwnerAddress    string         `json:"ownerAddress,omitempty"`
	Cluster         string         `json:"cluster,omitempty"`
	Symbol          string         `json:"symbol,omitempty"`
	VirtualAgentID  string         `json:"virtualAgentId,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	ContractAddress string         `json:"contractAddress,omitempty"`
	ProcessingTime  string         `json:"processingTime,omitempty"`
}

// Offering is a priced service an agent sells.
type Offering struct {
	ProviderAddress   string         `json:"providerAddress"`
	Name              string         `json:"name"`
	Price             float64        `json:"price"`
	PriceUSD          float64        `json:"priceUsd"`
	RequirementSchema map[string]any `json:"requirementSchema,omitempty"`
}

// BuildRequirement wraps a buyer requirement into the negotiation payload sent
// with a new job. Strings travel as "message", everything else as "serviceRequirement".
func (o Offering) BuildRequirement(requirement any) (NegotiationPayload, error) {
	np := NegotiationPayload{Name: o.Name}
	if s, ok := requirement.(string); ok {
		np.Message = s
		return np, nil
	}
	b, err := json.Marshal(requirement)
	if err != nil {
		return NegotiationPayload{}, fmt.Errorf("invalid service requirement for %s: %w", o.Name, err)
	}
	if o.RequirementSchema != nil {
		var obj map[string]any
		if err := json.Unmarshal(b, &obj); err != nil || obj == nil {
			schema, _ := json.Marshal(o.RequirementSchema)
			return NegotiationPayload{}, fmt.Errorf("service requirement for %s must be an object matching %s", o.Name, schema)
		}
	}
	np.ServiceRequirement = b
	return np, nil
}

// AgentSort is a server-side sort key for agent search.
type AgentSort string

const (
	SortSuccessfulJobCount AgentSort = "successfulJobCount"
	SortSuccessRate        AgentSort = "successRate"
	SortUniqueBuyerCount   AgentSort = "uniqueBuyerCount"
	SortMinsFromLastOnline AgentSort = "minsFromLastOnline"
)

type GraduationStatus string

const (
	GraduationAll          GraduationStatus = "all"
	GraduationGraduated    GraduationStatus = "graduated"
	GraduationNotGraduated GraduationStatus = "notgraduated"
)

type OnlineStatus string

const (
	OnlineAll     OnlineStatus = "all"
	OnlineOnline  OnlineStatus = "online"
	OnlineOffline OnlineStatus = "offline"
)

// AgentSearch holds the parameters of a keyword directory search.
type AgentSearch struct {
	Keyword       string
	Cluster       string
	SortBy        []AgentSort
	TopK          int
	Graduation    GraduationStatus
	Online        OnlineStatus
	ExcludeWallet string
}

// ExcludeWallet drops every agent whose wallet matches wallet.
func ExcludeWallet(agents []Agent, wallet string) []Agent {
	out := make([]Agent, 0, len(agents))
	for _, a := range agents {
		if wallet != "" && strings.EqualFold(a.WalletAddress, wallet) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Account groups the jobs of one client/provider pair.
type Account struct {
	ID              int64          `json:"id"`
	ClientAddress   string         `json:"clientAddress"`
	ProviderAddress string         `json:"providerAddress"`
	Metadata        map[string]any `json:"metadata"`
}

// AccountInfo is the ledger's own view of an account.
type AccountInfo struct {
	ID                int64  `json:"id"`
	Client            string `json:"client"`
	Provider          string `json:"provider"`
	CreatedAt         int64  `json:"createdAt"`
	Metadata          string `json:"metadata"`
	JobCount          int64  `json:"jobCount"`
	CompletedJobCount int64  `json:"completedJobCount"`
	IsActive          bool   `json:"isActive"`
}

// PaymentDetails reports whether a job settles through the x402 flow.
type PaymentDetails struct {
	IsX402           bool `json:"isX402"`
	IsBudgetReceived bool `json:"isBudgetReceived"`
}
