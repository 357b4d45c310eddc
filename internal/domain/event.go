package domain

import (
	"fmt"
	"time"
)

// EventState is the time-window classification of a PromotedEvent
type EventState string

const (
	EventUpcoming EventState = "upcoming"
	EventActive   EventState = "active"
	EventEnded    EventState = "ended"
)

// PromotedEvent is a static promotional event with a fixed time window
type PromotedEvent struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	Icon      string    `json:"icon"`
	BgImage   string    `json:"bgImage"`
	Link      string    `json:"link"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// EventStatus is the display state of an event at a given instant
type EventStatus struct {
	State  EventState `json:"state"`
	Text   string     `json:"text"`
	Active bool       `json:"isActive"`
}

// StatusAt classifies the event at now.
// Boundaries belong to the later state: Active at exactly start, Ended at exactly end.
// Remaining hours are rounded up, so one minute left reads "Ends in 1 hours".
func (e PromotedEvent) StatusAt(now time.Time) EventStatus {
	switch {
	case now.Before(e.StartTime):
		return EventStatus{
			State: EventUpcoming,
			Text:  fmt.Sprintf("Start in %d hours", ceilHours(e.StartTime.Sub(now))),
		}
	case now.Before(e.EndTime):
		return EventStatus{
			State:  EventActive,
			Text:   fmt.Sprintf("Ends in %d hours", ceilHours(e.EndTime.Sub(now))),
			Active: true,
		}
	default:
		return EventStatus{State: EventEnded, Text: "Ended"}
	}
}

// Status classifies the event against the wall clock
func (e PromotedEvent) Status() EventStatus {
	return e.StatusAt(time.Now())
}

// ceilHours rounds a positive duration up to whole hours
func ceilHours(d time.Duration) int64 {
	// Sub saturates at the maximum Duration, so adding before dividing could overflow
	h := int64(d / time.Hour)
	if d%time.Hour != 0 {
		h++
	}
	return h
}

// DefaultEvents returns the promoted events relative to now:
// an auction that started an hour ago and a staking round starting in 23 hours.
func DefaultEvents(now time.Time) []PromotedEvent {
	return []PromotedEvent{
		{
			ID:        1,
			Title:     "Auction",
			Icon:      "Sprites/Hymmer.png",
			BgImage:   "Sprites/WaveBg.png",
			Link:      "auction.html",
			StartTime: now.Add(-1 * time.Hour),
			EndTime:   now.Add(23 * time.Hour),
		},
		{
			ID:        2,
			Title:     "Staking",
			Icon:      "Sprites/Procent.png",
			BgImage:   "Sprites/WaveBg.png",
			Link:      "staking.html",
			StartTime: now.Add(23 * time.Hour),
			EndTime:   now.Add(48 * time.Hour),
		},
	}
}
