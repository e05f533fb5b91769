package models

import "time"

type TicketStatus string

const (
	StatusOpen       TicketStatus = "OPEN"
	StatusAssigned   TicketStatus = "ASSIGNED"
	StatusInProgress TicketStatus = "IN_PROGRESS"
	StatusResolved   TicketStatus = "RESOLVED"
	StatusEscalated  TicketStatus = "ESCALATED"
	StatusClosed     TicketStatus = "CLOSED"
)

type Origin string

const (
	OriginSystem      Origin = "system"
	OriginCustomer    Origin = "customer"
	OriginBranchStaff Origin = "branch_staff"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type IssueCategory string

const (
	CategoryCashJam      IssueCategory = "CASH_JAM"
	CategoryCardReader   IssueCategory = "CARD_READER"
	CategoryDispenser    IssueCategory = "DISPENSER"
	CategoryNetwork      IssueCategory = "NETWORK"
	CategoryPower        IssueCategory = "POWER"
	CategoryScreen       IssueCategory = "SCREEN"
	CategoryReceiptPrint IssueCategory = "RECEIPT_PRINTER"
	CategorySoftware     IssueCategory = "SOFTWARE"
	CategoryLowCash      IssueCategory = "LOW_CASH"
	CategoryOther        IssueCategory = "OTHER"
)

var issueCategories = map[IssueCategory]struct{}{
	CategoryCashJam: {}, CategoryCardReader: {}, CategoryDispenser: {}, CategoryNetwork: {},
	CategoryPower: {}, CategoryScreen: {}, CategoryReceiptPrint: {}, CategorySoftware: {},
	CategoryLowCash: {}, CategoryOther: {},
}

func (c IssueCategory) Valid() bool {
	_, ok := issueCategories[c]
	return ok
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func (o Origin) Valid() bool {
	switch o {
	case OriginSystem, OriginCustomer, OriginBranchStaff:
		return true
	}
	return false
}

type Ticket struct {
	ID                 string              `json:"id"`
	MachineID          string              `json:"machineId"`
	EngineerID         *string             `json:"engineerId,omitempty"`
	Origin             Origin              `json:"origin"`
	Category           IssueCategory       `json:"category"`
	Severity           Severity            `json:"severity"`
	Description        string              `json:"description"`
	Status             TicketStatus        `json:"status"`
	Version            int64               `json:"version"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	Resolution         *Resolution         `json:"resolution,omitempty"`
	GeoValidation      *GeoValidation      `json:"geoValidation,omitempty"`
	Verification       *Verification       `json:"verification,omitempty"`
	BranchConfirmation *BranchConfirmation `json:"branchConfirmation,omitempty"`
}

type Resolution struct {
	Summary          string     `json:"summary,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	TimeSpentMinutes int        `json:"timeSpentMinutes,omitempty"`
	PartsUsed        []string   `json:"partsUsed,omitempty"`
	ProofPhotoURL    string     `json:"proofPhotoUrl,omitempty"`
}

type GeoValidation struct {
	EngineerLat float64    `json:"engineerLat"`
	EngineerLng float64    `json:"engineerLng"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty"`
	Overridden  bool       `json:"overridden,omitempty"`
}

// Verification is stamped when the branch enters the matching code.
type Verification struct {
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

type BranchConfirmation struct {
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	ConfirmedBy string     `json:"confirmedBy,omitempty"`
}

func (t Ticket) HasArrived() bool {
	return t.GeoValidation != nil && t.GeoValidation.ValidatedAt != nil
}

func (t Ticket) HasProof() bool {
	return t.Resolution != nil && t.Resolution.ProofPhotoURL != ""
}

func (t Ticket) IsVerified() bool {
	return t.Verification != nil && t.Verification.VerifiedAt != nil
}

func (t Ticket) IsBranchConfirmed() bool {
	return t.BranchConfirmation != nil && t.BranchConfirmation.ConfirmedAt != nil
}

type EngineerStatus string

const (
	EngineerAvailable EngineerStatus = "available"
	EngineerBusy      EngineerStatus = "busy"
	EngineerOnBreak   EngineerStatus = "on_break"
)

type Engineer struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Lat              float64        `json:"lat"`
	Lng              float64        `json:"lng"`
	Status           EngineerStatus `json:"status"`
	OngoingTask      *string        `json:"ongoingTask,omitempty"`
	FirstTimeFixRate float64        `json:"firstTimeFixRate"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

type Machine struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	BranchID string   `json:"branchId"`
	Address  string   `json:"address"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
}

func (m Machine) HasCoordinates() bool {
	return m.Lat != nil && m.Lng != nil
}

type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Alert is what the monitoring side reports about a machine.
type Alert struct {
	MachineID string        `json:"machineId"`
	Category  IssueCategory `json:"category"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
}

type DispatchRequest struct {
	// TicketID targets an existing OPEN ticket; empty creates a new one.
	TicketID    string
	MachineID   string
	Origin      Origin
	Category    IssueCategory
	Severity    Severity
	Description string
}

type TicketFilter struct {
	Status     TicketStatus
	MachineID  string
	EngineerID string
	Limit      int
	Offset     int
}
