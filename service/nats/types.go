package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/givewatch/service/db"
)

// DonationEvent announces a newly confirmed donation. It is published to
// "donations.{network_id}" on the DONATIONS stream.
type DonationEvent struct {
	DonationID    int64  `json:"donation_id"`
	TransactionID string `json:"transaction_id"`
	NetworkID     int    `json:"network_id"`

	FromAddress  string `json:"from_address"`
	ToAddress    string `json:"to_address"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	TokenAddress string `json:"token_address,omitempty"`

	ProjectID int64  `json:"project_id"`
	UserID    *int64 `json:"user_id,omitempty"`
	Anonymous bool   `json:"anonymous"`
	DraftID   *int64 `json:"draft_id,omitempty"`
	Speedup   bool   `json:"speedup,omitempty"`
	Recurring bool   `json:"recurring,omitempty"`

	TransactionTime *time.Time `json:"transaction_time,omitempty"`
	PublishedAt     time.Time  `json:"published_at"`
}

// Subject returns the JetStream subject for the event.
func (e *DonationEvent) Subject() string {
	return fmt.Sprintf("donations.%d", e.NetworkID)
}

// FromDonation builds the event for a one-shot donation.
func FromDonation(d *db.Donation) *DonationEvent {
	return &DonationEvent{
		DonationID:      d.ID,
		TransactionID:   d.TransactionID,
		NetworkID:       d.NetworkID,
		FromAddress:     d.FromAddress,
		ToAddress:       d.ToAddress,
		Amount:          d.Amount.String(),
		Currency:        d.Currency,
		TokenAddress:    d.TokenAddress,
		ProjectID:       d.ProjectID,
		UserID:          d.UserID,
		Anonymous:       d.Anonymous,
		DraftID:         d.DraftID,
		Speedup:         d.Speedup,
		TransactionTime: d.TransactionTime,
		PublishedAt:     time.Now().UTC(),
	}
}

// FromRecurringDonation builds the event for an activated or updated stream.
// Amount carries the flow rate in base units per second.
func FromRecurringDonation(r *db.RecurringDonation) *DonationEvent {
	return &DonationEvent{
		DonationID:    r.ID,
		TransactionID: r.TxHash,
		NetworkID:     r.NetworkID,
		FromAddress:   r.DonorAddress,
		ToAddress:     r.ReceiverAddress,
		Amount:        r.FlowRate.String(),
		Currency:      r.Currency,
		TokenAddress:  r.TokenAddress,
		ProjectID:     r.ProjectID,
		UserID:        r.UserID,
		Anonymous:     r.Anonymous,
		Recurring:     true,
		PublishedAt:   time.Now().UTC(),
	}
}
