// Package model defines the core domain types shared across the asset engine.
// All quantities and weights use shopspring/decimal — never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaterialType distinguishes weight-tracked metal from count-tracked stone.
type MaterialType string

const (
	MaterialMetal MaterialType = "METAL"
	MaterialStone MaterialType = "STONE"
)

// RequestType is the kind of lot.
type RequestType string

const (
	RequestPurchase      RequestType = "PURCHASE"
	RequestSale          RequestType = "SALE"
	RequestJewelryDesign RequestType = "JEWELRY_DESIGN"
)

// LotStatus is the lifecycle status of a lot.
type LotStatus string

const (
	LotPending                     LotStatus = "PENDING"
	LotApproved                    LotStatus = "APPROVED"
	LotConfirmed                   LotStatus = "CONFIRMED"
	LotCompleted                   LotStatus = "COMPLETED"
	LotRejected                    LotStatus = "REJECTED"
	LotPendingSellerPrice          LotStatus = "PENDING_SELLER_PRICE"
	LotPendingInvestorConfirmation LotStatus = "PENDING_INVESTOR_CONFIRMATION"
)

// ContributionType is the allocation target of a contribution.
type ContributionType string

const (
	ContributePool              ContributionType = "POOL"
	ContributeContract          ContributionType = "CONTRACT"
	ContributeProductionPayment ContributionType = "PRODUCTION_PAYMENT"
)

// ContributionStatus is the lifecycle status of a contribution.
type ContributionStatus string

const (
	ContributionPending       ContributionStatus = "PENDING"
	ContributionAdminApproved ContributionStatus = "ADMIN_APPROVED"
	ContributionApproved      ContributionStatus = "APPROVED"
	ContributionTerminated    ContributionStatus = "TERMINATED"
	ContributionRejected      ContributionStatus = "REJECTED"
)

// ContractStatus is the lifecycle status of a co-ownership contract.
type ContractStatus string

const (
	ContractNotAssigned      ContractStatus = "NOT_ASSIGNED"
	ContractActive           ContractStatus = "ACTIVE"
	ContractCompleted        ContractStatus = "COMPLETED"
	ContractTerminated       ContractStatus = "TERMINATED"
	ContractRenew            ContractStatus = "RENEW"
	ContractClosed           ContractStatus = "CLOSED"
	ContractUnderTermination ContractStatus = "UNDER_TERMINATION"
)

// Allocating reports whether a contract in this status still holds its
// contributed units. Terminated/closed contracts have returned them.
func (s ContractStatus) Allocating() bool {
	switch s {
	case ContractActive, ContractRenew, ContractUnderTermination:
		return true
	}
	return false
}

// MaterialSpec identifies what a lot physically is. UnitWeight is the
// weight in grams of one whole unit; for stone it is informational
// (stones are count-tracked, one unit = one stone).
type MaterialSpec struct {
	Type       MaterialType    `json:"type" db:"material_type"`
	ItemID     string          `json:"item_id" db:"material_item_id"`
	ItemName   string          `json:"item_name" db:"material_item_name"`
	CaratID    string          `json:"carat_id,omitempty" db:"carat_id"`
	ShapeCutID string          `json:"shape_cut_id,omitempty" db:"shape_cut_id"`
	ClarityID  string          `json:"clarity_id,omitempty" db:"clarity_id"`
	ColorID    string          `json:"color_id,omitempty" db:"color_id"`
	UnitWeight decimal.Decimal `json:"unit_weight" db:"unit_weight"`
}

// Lot is a purchased batch of a precious item. A SALE-type lot points back
// at the PURCHASE lot it sells from via RelatedLotID; remaining figures are
// undefined on the sale lot itself and must be resolved on the parent.
type Lot struct {
	ID                string          `json:"id" db:"id"`
	BusinessID        string          `json:"business_id" db:"business_id"`
	RequestType       RequestType     `json:"request_type" db:"request_type"`
	Status            LotStatus       `json:"status" db:"status"`
	RequestedQuantity decimal.Decimal `json:"requested_quantity" db:"requested_quantity"`
	Material          MaterialSpec    `json:"material"`
	RelatedLotID      string          `json:"related_lot_id,omitempty" db:"related_lot_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Unit is one serialized piece minted from a lot. The sale/contract/pool
// fields are allocation pointers, not ownership; at most one is set at a
// time. Units are soft-deleted only — historical weight consumption must
// remain auditable.
type Unit struct {
	ID                 string     `json:"id" db:"id"`
	LotID              string     `json:"lot_id" db:"lot_id"`
	SerialNumber       string     `json:"serial_number" db:"serial_number"`
	SystemSerialNumber string     `json:"system_serial_number,omitempty" db:"system_serial_number"`
	SaleLotID          string     `json:"sale_lot_id,omitempty" db:"sale_lot_id"`
	ContractID         string     `json:"contract_id,omitempty" db:"contract_id"`
	PoolID             string     `json:"pool_id,omitempty" db:"pool_id"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ContractUnitHistory records that a unit was contributed to a contract,
// with the weight contributed at that time. Append-only: the row survives
// after the unit's direct contract pointer is cleared on termination or
// renewal, so consumption under past contracts stays traceable.
type ContractUnitHistory struct {
	ID                string          `json:"id" db:"id"`
	UnitID            string          `json:"unit_id" db:"unit_id"`
	ContractID        string          `json:"contract_id" db:"contract_id"`
	ContributedWeight decimal.Decimal `json:"contributed_weight" db:"contributed_weight"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Contribution commits lot quantity toward a pool, a co-ownership contract,
// or a production payment. Exactly one of PoolID/ContractID/
// ProductionPaymentID is set, matching Type.
type Contribution struct {
	ID                  string             `json:"id" db:"id"`
	LotID               string             `json:"lot_id" db:"lot_id"`
	BusinessID          string             `json:"business_id" db:"business_id"`
	Quantity            decimal.Decimal    `json:"quantity" db:"quantity"`
	Type                ContributionType   `json:"contribution_type" db:"contribution_type"`
	PoolID              string             `json:"pool_id,omitempty" db:"pool_id"`
	ContractID          string             `json:"contract_id,omitempty" db:"contract_id"`
	ProductionPaymentID string             `json:"production_payment_id,omitempty" db:"production_payment_id"`
	Status              ContributionStatus `json:"status" db:"status"`
	CreatedAt           time.Time          `json:"created_at" db:"created_at"`
	DeletedAt           *time.Time         `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ProductionAllocation records material consumed from a unit during
// manufacturing. Exactly one of UnitID (consumed while directly held) or
// HistoryID (consumed while checked out under a contract) is set.
type ProductionAllocation struct {
	ID        string          `json:"id" db:"id"`
	UnitID    string          `json:"unit_id,omitempty" db:"unit_id"`
	HistoryID string          `json:"history_id,omitempty" db:"history_id"`
	Weight    decimal.Decimal `json:"weight" db:"weight"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Target returns the ID of whichever pool/contract/production payment this
// contribution is allocated to.
func (c *Contribution) Target() string {
	switch c.Type {
	case ContributePool:
		return c.PoolID
	case ContributeContract:
		return c.ContractID
	case ContributeProductionPayment:
		return c.ProductionPaymentID
	}
	return ""
}
