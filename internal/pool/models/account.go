// Package models defines the account pool document: records, pool-level
// configuration, state counters and the JSON wire codec.
package models

import (
	"fmt"
	"time"
)

// ReservationState tells whether a record is checked out.
type ReservationState string

const (
	Free     ReservationState = "free"
	Reserved ReservationState = "reserved"
)

// ValidityState tells whether a record's credentials can be trusted.
type ValidityState string

const (
	Valid   ValidityState = "valid"
	Suspect ValidityState = "suspect"
)

// AccountRecord is one allocatable test identity.
type AccountRecord struct {
	Username      string
	Email         string
	Password      string
	Reservation   ReservationState
	Validity      ValidityState
	LastUsed      time.Time
	SuspectReason string
	// LeaseID identifies the live reservation; empty when Free.
	LeaseID string
}

// Eligible reports whether the record may be handed out.
func (r *AccountRecord) Eligible() bool {
	return r.Reservation == Free && r.Validity == Valid
}

// Touch moves LastUsed forward to now. LastUsed never goes backwards.
func (r *AccountRecord) Touch(now time.Time) {
	if now.After(r.LastUsed) {
		r.LastUsed = now
	}
}

// PoolConfig is the configuration persisted alongside the records.
type PoolConfig struct {
	Size          int
	Prefix        string
	AutoGrow      bool
	GrowBy        int
	WaitTimeout   time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultPoolConfig mirrors the values the pool scripts were seeded with.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:          20,
		Prefix:        "qatest_v3__",
		AutoGrow:      false,
		GrowBy:        5,
		WaitTimeout:   5 * time.Minute,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
}

// Pool is the whole persisted document. Record order is stable and drives
// allocation order.
type Pool struct {
	SchemaVersion int
	Records       []AccountRecord
	Config        PoolConfig
}

// Find returns the index of the record with username, or -1.
func (p *Pool) Find(username string) int {
	for i := range p.Records {
		if p.Records[i].Username == username {
			return i
		}
	}
	return -1
}

// Counts summarises a pool for audit output. Suspect counts records flagged
// suspect regardless of reservation; Free and Reserved partition Total.
type Counts struct {
	Total    int
	Free     int
	Reserved int
	Suspect  int
	// Available is the number of records a checkout could pick right now.
	Available int
}

func (p *Pool) Counts() Counts {
	var c Counts
	for i := range p.Records {
		r := &p.Records[i]
		c.Total++
		if r.Reservation == Reserved {
			c.Reserved++
		} else {
			c.Free++
		}
		if r.Validity == Suspect {
			c.Suspect++
		}
		if r.Eligible() {
			c.Available++
		}
	}
	return c
}

func (c Counts) String() string {
	return fmt.Sprintf("free=%d reserved=%d suspect=%d total=%d", c.Free, c.Reserved, c.Suspect, c.Total)
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	out := *p
	out.Records = make([]AccountRecord, len(p.Records))
	copy(out.Records, p.Records)
	return &out
}
