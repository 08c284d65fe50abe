// Package models contains shared data models used across the approval portal.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Document is an ERP document awaiting or past approval. Tenant is derived
// at aggregation time and never stored in the ERP.
type Document struct {
	Tenant     string          `json:"country"`
	Branch     string          `json:"branch"`
	Number     string          `json:"number"`
	Type       string          `json:"type"`
	TotalValue decimal.Decimal `json:"totalValue"`
	IssueDate  time.Time       `json:"issueDate"`
	Buyer      string          `json:"buyer"`
	Supplier   string          `json:"supplier"`
	Items      []LineItem      `json:"items"`
	Levels     []ApprovalLevel `json:"levels"`
	Status     DocumentStatus  `json:"status"`
}

// Ref returns the document's portal-wide key.
func (d Document) Ref() DocumentRef {
	return DocumentRef{Tenant: d.Tenant, Branch: d.Branch, Number: d.Number}
}

// LineItem is one ordered line of a document.
type LineItem struct {
	Item        string          `json:"item"`
	Product     string          `json:"product"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Total       decimal.Decimal `json:"total"`
}

// DocumentRef identifies a document across tenants: the number is unique
// within a tenant and branch.
type DocumentRef struct {
	Tenant string `json:"tenant"`
	Branch string `json:"branch"`
	Number string `json:"number"`
}

// String renders the ref as TENANT:BRANCH:NUMBER.
func (r DocumentRef) String() string {
	return r.Tenant + ":" + r.Branch + ":" + r.Number
}

// ParseDocumentRef parses TENANT:BRANCH:NUMBER.
func ParseDocumentRef(s string) (DocumentRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return DocumentRef{}, fmt.Errorf("document id %q must have the form TENANT:BRANCH:NUMBER", s)
	}
	ref := DocumentRef{
		Tenant: strings.ToUpper(strings.TrimSpace(parts[0])),
		Branch: strings.TrimSpace(parts[1]),
		Number: strings.TrimSpace(parts[2]),
	}
	if ref.Tenant == "" || ref.Branch == "" || ref.Number == "" {
		return DocumentRef{}, fmt.Errorf("document id %q has an empty component", s)
	}
	return ref, nil
}

// TenantError records a tenant that failed during a fan-out query.
type TenantError struct {
	Country string `json:"country"`
	Message string `json:"message"`
}

// AggregateQueryResult is the merged outcome of a multi-tenant query.
// Partial failure is carried as data, never as an error.
type AggregateQueryResult struct {
	Documents           []Document    `json:"documentos"`
	HasErrors           bool          `json:"hasErrors"`
	Errors              []TenantError `json:"errors"`
	SuccessfulCountries []string      `json:"successfulCountries"`
}
