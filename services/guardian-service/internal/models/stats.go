package models

import (
	"time"

	"github.com/google/uuid"
)

// EmailStats holds the per-user daily counters.
type EmailStats struct {
	UserID                 uuid.UUID
	Date                   time.Time // midnight UTC
	EmailsFiltered         int64
	DonationsReceivedCents int64
}

// Day truncates t to midnight UTC, the key of a stats row.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DashboardStats is the aggregated view served to the dashboard.
type DashboardStats struct {
	EmailsFiltered          int64 `json:"emailsFiltered"`
	EmailsFilteredYesterday int64 `json:"emailsFilteredYesterday"`
	PendingDonations        int   `json:"pendingDonations"`
	PendingRevenueCents     int64 `json:"pendingDonationsRevenueCents"`
	DonationsReceivedCents  int64 `json:"donationsReceivedCents"`
	DonationsCount          int   `json:"donationsCount"`
	KnownContacts           int   `json:"knownContacts"`
	ContactsAddedThisWeek   int   `json:"contactsAddedThisWeek"`
}
