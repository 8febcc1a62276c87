package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/timex"
)

// document is the on-disk layout. Legacy fields written by the old pool
// scripts are read once and never written back. Records is a pointer so a
// document without the record list can be told apart from an empty pool.
type document struct {
	SchemaVersion int           `json:"schema_version"`
	Records       *[]wireRecord `json:"test_account_pool"`
	Config        *wireConfig   `json:"pool_config,omitempty"`
}

type wireRecord struct {
	Username      string           `json:"username"`
	Email         string           `json:"email"`
	Password      string           `json:"password"`
	Reservation   ReservationState `json:"reservation_state,omitempty"`
	Validity      ValidityState    `json:"validity_state,omitempty"`
	LastUsed      string           `json:"last_used,omitempty"`
	SuspectReason string           `json:"suspect_reason,omitempty"`
	LeaseID       string           `json:"lease_id,omitempty"`

	InUse        *bool   `json:"in_use,omitempty"`
	IsLocked     *bool   `json:"is_locked,omitempty"`
	LockedReason *string `json:"locked_reason,omitempty"`
}

type wireConfig struct {
	PoolSize             int             `json:"pool_size"`
	AccountPrefix        string          `json:"account_prefix"`
	AutoRegisterFallback bool            `json:"auto_register_fallback"`
	GrowBy               int             `json:"grow_by"`
	WaitTimeout          *timex.Duration `json:"wait_timeout,omitempty"`
	MaxRetryOnLock       int             `json:"max_retry_on_lock"`
	RetryInterval        *timex.Duration `json:"retry_interval,omitempty"`

	AccountLockWaitTime *int `json:"account_lock_wait_time,omitempty"`
}

// legacyTimeLayouts covers the naive ISO timestamps of the old scripts.
var legacyTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Encode renders p in the current schema. Output is deterministic, so
// Encode(Decode(Encode(p))) equals Encode(p).
func Encode(p *Pool) ([]byte, error) {
	records := make([]wireRecord, 0, len(p.Records))
	doc := document{
		SchemaVersion: common.SchemaVersion,
		Records:       &records,
		Config:        encodeConfig(p.Config),
	}
	for _, r := range p.Records {
		w := wireRecord{
			Username:      r.Username,
			Email:         r.Email,
			Password:      r.Password,
			Reservation:   r.Reservation,
			Validity:      r.Validity,
			SuspectReason: r.SuspectReason,
			LeaseID:       r.LeaseID,
		}
		if !r.LastUsed.IsZero() {
			w.LastUsed = r.LastUsed.UTC().Format(time.RFC3339Nano)
		}
		records = append(records, w)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode pool: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a pool document, upgrading legacy layouts. Any structural
// problem, including a missing or null record list, is reported as
// common.ErrStoreCorrupt.
func Decode(data []byte) (*Pool, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStoreCorrupt, err)
	}
	if doc.SchemaVersion > common.SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", common.ErrStoreCorrupt, doc.SchemaVersion)
	}
	if doc.Records == nil {
		return nil, fmt.Errorf("%w: no test_account_pool list", common.ErrStoreCorrupt)
	}
	wire := *doc.Records

	p := &Pool{
		SchemaVersion: common.SchemaVersion,
		Records:       make([]AccountRecord, 0, len(wire)),
		Config:        decodeConfig(doc.Config, doc.SchemaVersion == 0),
	}

	seen := make(map[string]struct{}, len(wire))
	for i, w := range wire {
		r, err := decodeRecord(w)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", common.ErrStoreCorrupt, i, err)
		}
		if _, dup := seen[r.Username]; dup {
			return nil, fmt.Errorf("%w: record %d: duplicate username %q", common.ErrStoreCorrupt, i, r.Username)
		}
		seen[r.Username] = struct{}{}
		p.Records = append(p.Records, r)
	}
	return p, nil
}

func decodeRecord(w wireRecord) (AccountRecord, error) {
	if w.Username == "" {
		return AccountRecord{}, fmt.Errorf("empty username")
	}
	r := AccountRecord{
		Username:      w.Username,
		Email:         w.Email,
		Password:      w.Password,
		Reservation:   w.Reservation,
		Validity:      w.Validity,
		SuspectReason: w.SuspectReason,
		LeaseID:       w.LeaseID,
	}

	// The old scripts kept in_use and is_locked as booleans and reset them
	// together; they are mapped independently here.
	if r.Reservation == "" {
		r.Reservation = Free
		if w.InUse != nil && *w.InUse {
			r.Reservation = Reserved
		}
	}
	if r.Validity == "" {
		r.Validity = Valid
		if w.IsLocked != nil && *w.IsLocked {
			r.Validity = Suspect
			if w.LockedReason != nil {
				r.SuspectReason = *w.LockedReason
			}
		}
	}

	switch r.Reservation {
	case Free, Reserved:
	default:
		return AccountRecord{}, fmt.Errorf("unknown reservation state %q", r.Reservation)
	}
	switch r.Validity {
	case Valid, Suspect:
	default:
		return AccountRecord{}, fmt.Errorf("unknown validity state %q", r.Validity)
	}

	if w.LastUsed != "" {
		t, err := parseTime(w.LastUsed)
		if err != nil {
			return AccountRecord{}, err
		}
		r.LastUsed = t
	}
	return r, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid last_used %q", s)
}

func encodeConfig(c PoolConfig) *wireConfig {
	return &wireConfig{
		PoolSize:             c.Size,
		AccountPrefix:        c.Prefix,
		AutoRegisterFallback: c.AutoGrow,
		GrowBy:               c.GrowBy,
		WaitTimeout:          &timex.Duration{Duration: c.WaitTimeout},
		MaxRetryOnLock:       c.MaxRetries,
		RetryInterval:        &timex.Duration{Duration: c.RetryInterval},
	}
}

// decodeConfig copies w verbatim for current documents. Legacy documents
// lack the newer fields, which then take their defaults.
func decodeConfig(w *wireConfig, legacy bool) PoolConfig {
	if w == nil {
		return DefaultPoolConfig()
	}
	c := PoolConfig{
		Size:       w.PoolSize,
		Prefix:     w.AccountPrefix,
		AutoGrow:   w.AutoRegisterFallback,
		GrowBy:     w.GrowBy,
		MaxRetries: w.MaxRetryOnLock,
	}
	if w.WaitTimeout != nil {
		c.WaitTimeout = w.WaitTimeout.Duration
	}
	if w.RetryInterval != nil {
		c.RetryInterval = w.RetryInterval.Duration
	}
	if !legacy {
		return c
	}

	def := DefaultPoolConfig()
	if c.GrowBy <= 0 {
		c.GrowBy = def.GrowBy
	}
	if w.WaitTimeout == nil {
		c.WaitTimeout = def.WaitTimeout
		if w.AccountLockWaitTime != nil {
			c.WaitTimeout = time.Duration(*w.AccountLockWaitTime) * time.Second
		}
	}
	if w.RetryInterval == nil {
		c.RetryInterval = def.RetryInterval
	}
	return c
}
