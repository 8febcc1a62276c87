// Package generator seeds the pool with deterministically named accounts.
package generator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/accountpool/internal/audit"
	"github.com/dmitrijs2005/accountpool/internal/clock"
	"github.com/dmitrijs2005/accountpool/internal/common"
	"github.com/dmitrijs2005/accountpool/internal/logging"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
	"github.com/dmitrijs2005/accountpool/internal/pool/store"
)

// SecretPolicy names how generated passwords are chosen.
type SecretPolicy string

const (
	// SecretFixed gives every generated account the configured secret.
	SecretFixed SecretPolicy = "fixed"
	// SecretRandom gives every account its own random hex secret.
	SecretRandom SecretPolicy = "random"
)

const randomSecretBytes = 16

// Generator creates records. It holds no pool state; Generate works on the
// pool handed to it inside an atomic section.
type Generator struct {
	secret      string
	policy      SecretPolicy
	emailDomain string
	clock       clock.Clock
}

func New(secret string, policy SecretPolicy, emailDomain string, c clock.Clock) *Generator {
	if emailDomain == "" {
		emailDomain = common.DefaultEmailDomain
	}
	if policy == "" {
		policy = SecretFixed
	}
	return &Generator{secret: secret, policy: policy, emailDomain: emailDomain, clock: clock.OrReal(c)}
}

// Generate appends count Free/Valid records named prefix+NNN to p, numbering
// on from the highest existing index for prefix. Nothing is appended on
// error.
func (g *Generator) Generate(p *models.Pool, count int, prefix string) ([]models.AccountRecord, error) {
	if count <= 0 {
		return nil, fmt.Errorf("generate %d accounts: %w", count, common.ErrInvalidCount)
	}

	taken := make(map[string]struct{}, 2*len(p.Records))
	for i := range p.Records {
		taken[p.Records[i].Username] = struct{}{}
		if p.Records[i].Email != "" {
			taken[p.Records[i].Email] = struct{}{}
		}
	}

	start := MaxIndex(p.Records, prefix) + 1
	now := g.clock.Now()
	created := make([]models.AccountRecord, 0, count)

	for seq := start; seq < start+count; seq++ {
		username := Username(prefix, seq)
		email := username + "@" + g.emailDomain
		for _, id := range []string{username, email} {
			if _, dup := taken[id]; dup {
				return nil, fmt.Errorf("generate %q: %w", id, common.ErrDuplicateIdentifier)
			}
			taken[id] = struct{}{}
		}

		secret, err := g.nextSecret()
		if err != nil {
			return nil, err
		}
		created = append(created, models.AccountRecord{
			Username:    username,
			Email:       email,
			Password:    secret,
			Reservation: models.Free,
			Validity:    models.Valid,
			LastUsed:    now,
		})
	}

	p.Records = append(p.Records, created...)
	return created, nil
}

func (g *Generator) nextSecret() (string, error) {
	if g.policy != SecretRandom {
		return g.secret, nil
	}
	s, err := common.MakeRandHexString(randomSecretBytes)
	if err != nil {
		return "", fmt.Errorf("random secret: %w", err)
	}
	return s, nil
}

// Username formats the sequence number with at least three digits.
func Username(prefix string, seq int) string {
	return fmt.Sprintf("%s%03d", prefix, seq)
}

// MaxIndex returns the highest numeric suffix among usernames that are
// prefix followed only by digits, or 0 when there is none.
func MaxIndex(records []models.AccountRecord, prefix string) int {
	highest := 0
	for i := range records {
		rest, ok := strings.CutPrefix(records[i].Username, prefix)
		if !ok || rest == "" || strings.TrimLeft(rest, "0123456789") != "" {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest
}

// Service runs Generate inside the store's atomic section.
type Service struct {
	store   store.Store
	gen     *Generator
	journal audit.Recorder
	log     logging.Logger
}

func NewService(s store.Store, g *Generator, l logging.Logger) *Service {
	return &Service{
		store:   s,
		gen:     g,
		journal: audit.Nop(),
		log:     logging.OrDiscard(l).With("component", "generator"),
	}
}

// WithJournal makes Generate record an audit event per batch.
func (s *Service) WithJournal(j audit.Recorder) *Service {
	s.journal = audit.OrNop(j)
	return s
}

// Generate appends count records; an empty prefix means the pool's
// configured prefix.
func (s *Service) Generate(ctx context.Context, count int, prefix string) ([]models.AccountRecord, error) {
	var created []models.AccountRecord
	err := s.store.WithPool(ctx, func(p *models.Pool) error {
		var err error
		created, err = s.gen.Generate(p, count, prefixOr(prefix, p))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordBatch(ctx, created, "")
	return created, nil
}

// Refill tops the pool up so that pool_size records are available for
// checkout. It adds nothing when enough are already free and valid.
func (s *Service) Refill(ctx context.Context, prefix string) ([]models.AccountRecord, error) {
	var created []models.AccountRecord
	err := s.store.WithPool(ctx, func(p *models.Pool) error {
		missing := p.Config.Size - p.Counts().Available
		if missing <= 0 {
			return nil
		}
		var err error
		created, err = s.gen.Generate(p, missing, prefixOr(prefix, p))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordBatch(ctx, created, "refill")
	return created, nil
}

func prefixOr(prefix string, p *models.Pool) string {
	if prefix == "" {
		return p.Config.Prefix
	}
	return prefix
}

func (s *Service) recordBatch(ctx context.Context, created []models.AccountRecord, reason string) {
	if len(created) == 0 {
		return
	}
	first, last := created[0].Username, created[len(created)-1].Username
	s.log.Info(ctx, "accounts generated", "count", len(created), "first", first, "last", last)
	detail := fmt.Sprintf("added %d records %s..%s", len(created), first, last)
	if reason != "" {
		detail += " (" + reason + ")"
	}
	audit.Emit(ctx, s.journal, s.log, audit.Event{Action: audit.ActionGenerate, Detail: detail})
}
