package models

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft   CampaignStatus = "draft"
	CampaignSending CampaignStatus = "sending"
	CampaignSent    CampaignStatus = "sent"
	CampaignFailed  CampaignStatus = "failed"
)

// Sendable reports whether a send may start from this status.
func (s CampaignStatus) Sendable() bool {
	return s == CampaignDraft || s == CampaignFailed
}

// CampaignStats holds raw and unique engagement counters.
// UniqueOpens always equals len(OpenedBy) and UniqueClicks len(ClickedBy).
type CampaignStats struct {
	Opens        int64 `json:"opens"`
	UniqueOpens  int64 `json:"uniqueOpens"`
	Clicks       int64 `json:"clicks"`
	UniqueClicks int64 `json:"uniqueClicks"`
}

// Campaign is a newsletter email together with its dedup ledger.
type Campaign struct {
	ID       string         `json:"id"`
	Subject  string         `json:"subject"`
	Title    string         `json:"title"`
	BodyHTML string         `json:"bodyHtml"`
	Status   CampaignStatus `json:"status"`

	SentAt         *time.Time    `json:"sentAt,omitempty"`
	RecipientCount int64         `json:"recipientCount"`
	Stats          CampaignStats `json:"stats"`

	// Subscriber ids already counted as unique
	OpenedBy  []string `json:"openedBy"`
	ClickedBy []string `json:"clickedBy"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Campaign) Validate() error {
	if c.Subject == "" {
		return errors.New("subject is required")
	}
	if c.Title == "" {
		return errors.New("title is required")
	}
	if c.BodyHTML == "" {
		return errors.New("bodyHtml is required")
	}
	return nil
}

// Clone returns a deep copy so callers never share ledger slices.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.OpenedBy = append([]string(nil), c.OpenedBy...)
	cp.ClickedBy = append([]string(nil), c.ClickedBy...)
	if c.SentAt != nil {
		t := *c.SentAt
		cp.SentAt = &t
	}
	return &cp
}

// UniqueSubjects drops repeated subject keys, keeping first-seen order.
// The result is never nil.
func UniqueSubjects(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Subscriber is the minimal view of a newsletter subscriber the engine needs.
type Subscriber struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
