// Package roster enforces the party rules: capacity, the FIFO waitlist,
// lifecycle state, and atomic multi-step mutations. Every mutation runs
// as one exclusive transaction through txgate.
package roster

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/partyroster/be/internal/platform/txgate"
	"github.com/partyroster/be/pkg/common/clock"
	"github.com/partyroster/be/pkg/common/logger"
	"github.com/partyroster/be/pkg/repositories/party"
)

const (
	DefaultMaxCapacity   = 200
	DefaultMaxNameLength = 50
	DefaultMaxLifetime   = 168 * time.Hour
	// MinLifetime keeps a minute-truncated expiry in the future.
	MinLifetime = time.Minute
)

var tracer = otel.Tracer("github.com/partyroster/be/internal/services/roster")

// JoinOutcome is the result of Join.
type JoinOutcome int

const (
	Failed JoinOutcome = iota
	Joined
	Waitlisted
	AlreadyMember
)

func (o JoinOutcome) String() string {
	switch o {
	case Joined:
		return "joined"
	case Waitlisted:
		return "waitlisted"
	case AlreadyMember:
		return "already_member"
	default:
		return "failed"
	}
}

// Roster is the active list followed by the waitlist, both in join order.
type Roster struct {
	Active   []*party.Member `json:"active"`
	Waitlist []*party.Member `json:"waitlist"`
}

// Snapshot is a party with its roster as read inside one transaction.
type Snapshot struct {
	Party *party.Party `json:"party"`
	State string       `json:"state"`
	Roster
}

// CreateRequest describes a new party. Either ExpiresAt or Lifetime may be
// set; with neither, the maximum lifetime applies.
type CreateRequest struct {
	ID            string
	Name          string
	Capacity      int
	OwnerID       string
	OwnerNickname string
	Scope         party.Scope
	GuildName     string
	ExpiresAt     time.Time
	Lifetime      time.Duration
}

// Manager is the roster rule engine.
type Manager struct {
	gate          *txgate.Gate
	clock         clock.Clock
	maxCapacity   int
	maxNameLength int
	maxLifetime   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithMaxCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxCapacity = n
		}
	}
}

func WithMaxNameLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxNameLength = n
		}
	}
}

func WithMaxLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxLifetime = d
		}
	}
}

// NewManager builds a Manager. A nil clock means the real clock.
func NewManager(gate *txgate.Gate, clk clock.Clock, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{
		gate:          gate,
		clock:         clk,
		maxCapacity:   DefaultMaxCapacity,
		maxNameLength: DefaultMaxNameLength,
		maxLifetime:   DefaultMaxLifetime,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// MaxCapacity is the upper bound accepted by CreateParty and Resize.
func (m *Manager) MaxCapacity() int { return m.maxCapacity }

// Health reports whether the store is reachable.
func (m *Manager) Health(ctx context.Context) error {
	return m.gate.Repository().Health(ctx)
}

// CreateParty validates req and stores a new open party.
func (m *Manager) CreateParty(ctx context.Context, req CreateRequest) (snap *Snapshot, err error) {
	const op = "create"
	ctx, span := startSpan(ctx, op, req.ID, attribute.String("party.name", req.Name))
	defer func() { endSpan(span, err) }()

	name, err := m.validName(op, req.Name)
	if err != nil {
		return nil, err
	}
	if err := m.validCapacity(op, req.Capacity); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, validationErr(op, "owner is required")
	}
	if strings.TrimSpace(req.Scope.GuildID) == "" {
		return nil, validationErr(op, "guild is required")
	}
	now := m.clock.Now().UTC()
	expiresAt, err := m.expiry(op, now, req)
	if err != nil {
		return nil, err
	}

	p := &party.Party{
		Key:           uuid.NewString(),
		ID:            req.ID,
		Name:          name,
		OwnerID:       req.OwnerID,
		OwnerNickname: req.OwnerNickname,
		Capacity:      req.Capacity,
		Scope:         req.Scope,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
	}
	if p.ID == "" {
		p.ID = p.Key
	}

	snap, err = txgate.WithExclusiveTransaction(ctx, m.gate, func(ctx context.Context, tx party.Tx) (*Snapshot, error) {
		allowed, err := tx.TouchGuild(ctx, p.Scope.GuildID, req.GuildName)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, validationErr(op, "guild %s is restricted", p.Scope.GuildID)
		}
		if err := tx.CreateParty(ctx, p); err != nil {
			return nil, err
		}
		return &Snapshot{Party: p, State: StateOf(p).String(), Roster: Roster{}}, nil
	})
	if err != nil {
		return nil, classify(op, p.ID, err)
	}
	logger.Info("party %s (%q) created in guild %s, capacity %d, expires %s", p.ID, p.Name, p.Scope.GuildID, p.Capacity, p.ExpiresAt.Format(time.RFC3339))
	return snap, nil
}

// Join adds userID to the party, to the waitlist tail when the active
// roster is full. Joining twice is a no-op reported as AlreadyMember.
func (m *Manager) Join(ctx context.Context, partyID, userID, nickname string) (out JoinOutcome, err error) {
	const op = "join"
	ctx, span := startSpan(ctx, op, partyID, attribute.String("user.id", userID))
	defer func() {
		span.SetAttributes(attribute.String("join.outcome", out.String()))
		endSpan(span, err)
	}()

	if strings.TrimSpace(userID) == "" {
		return Failed, validationErr(op, "user is required")
	}

	out, err = txgate.WithExclusiveTransaction(ctx, m.gate, func(ctx context.Context, tx party.Tx) (JoinOutcome, error) {
		p, err := mutable(ctx, tx, op, partyID)
		if err != nil {
			return Failed, err
		}
		present, err := tx.HasMember(ctx, p.Key, userID)
		if err != nil {
			return Failed, err
		}
		if present {
			return AlreadyMember, nil
		}
		active, err := tx.ListActive(ctx, p.Key)
		if err != nil {
			return Failed, err
		}
		member := &party.Member{
			PartyKey: p.Key,
			UserID:   userID,
			Nickname: nickname,
			JoinedAt: m.clock.Now().UTC(),
			Kind:     party.Waitlist,
		}
		result := Waitlisted
		if len(active) < p.Capacity {
			member.Kind = party.Active
			result = Joined
		}
		if err := tx.InsertMember(ctx, member); err != nil {
			if errors.Is(err, party.ErrDuplicateMember) {
				return AlreadyMember, nil
			}
			return Failed, err
		}
		return result, nil
	})
	if err != nil {
		return Failed, classify(op, partyID, err)
	}
	logger.Debug("party %s: user %s %s", partyID, userID, out)
	return out, nil
}

// Leave removes userID and promotes from the waitlist.
func (m *Manager) Leave(ctx context.Context, partyID, userID string) (bool, error) {
	return m.remove(ctx, "leave", partyID, userID)
}

// Kick removes userID on the owner's behalf; authorization is the caller's job.
func (m *Manager) Kick(ctx context.Context, partyID, userID string) (bool, error) {
	return m.remove(ctx, "kick", partyID, userID)
}

func (m *Manager) remove(ctx context.Context, op, partyID, userID string) (ok bool, err error) {
	ctx, span := startSpan(ctx, op, partyID, attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	err = m.gate.Do(ctx, func(ctx context.Context, tx party.Tx) error {
		p, err := mutable(ctx, tx, op, partyID)
		if err != nil {
			return err
		}
		removed, err := tx.RemoveMember(ctx, p.Key, userID)
		if err != nil {
			return err
		}
		if !removed {
			return notFoundErr(op, partyID, "user "+userID+" is not in the party")
		}
		return rebuild(ctx, tx, p)
	})
	if err != nil {
		return false, classify(op, partyID, err)
	}
	logger.Debug("party %s: user %s removed (%s)", partyID, userID, op)
	return true, nil
}

// Resize changes capacity, rebuilds the roster and returns the lists read
// back inside the same transaction.
func (m *Manager) Resize(ctx context.Context, partyID string, capacity int) (roster *Roster, err error) {
	const op = "resize"
	ctx, span := startSpan(ctx, op, partyID, attribute.Int("party.capacity", capacity))
	defer func() { endSpan(span, err) }()

	if err := m.validCapacity(op, capacity); err != nil {
		return nil, err
	}
	roster, err = txgate.WithExclusiveTransaction(ctx, m.gate, func(ctx context.Context, tx party.Tx) (*Roster, error) {
		p, err := mutable(ctx, tx, op, partyID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.UpdateCapacity(ctx, p.ID, capacity); err != nil {
			return nil, err
		}
		p.Capacity = capacity
		if err := rebuild(ctx, tx, p); err != nil {
			return nil, err
		}
		return readRoster(ctx, tx, p.Key)
	})
	if err != nil {
		return nil, classify(op, partyID, err)
	}
	logger.Debug("party %s resized to %d: %d active, %d waiting", partyID, capacity, len(roster.Active), len(roster.Waitlist))
	return roster, nil
}

// Rename changes the display name. Unlike CreateParty it does not check
// the guild for another live party with the same name.
func (m *Manager) Rename(ctx context.Context, partyID, name string) (ok bool, err error) {
	const op = "rename"
	ctx, span := startSpan(ctx, op, partyID, attribute.String("party.name", name))
	defer func() { endSpan(span, err) }()

	name, err = m.validName(op, name)
	if err != nil {
		return false, err
	}
	ok, err = m.update(ctx, op, partyID, func(ctx context.Context, tx party.Tx) (bool, error) {
		return tx.Rename(ctx, partyID, name)
	})
	return ok, err
}

// SetClosed closes (true) or reopens (false) the party.
func (m *Manager) SetClosed(ctx context.Context, partyID string, closed bool) (ok bool, err error) {
	const op = "close"
	ctx, span := startSpan(ctx, op, partyID, attribute.Bool("party.closed", closed))
	defer func() { endSpan(span, err) }()

	return m.update(ctx, op, partyID, func(ctx context.Context, tx party.Tx) (bool, error) {
		return tx.SetClosed(ctx, partyID, closed)
	})
}

// ChangeIdentifier moves a party to a new identifier after a repost. The
// roster is keyed by the party's stable key and is not touched.
func (m *Manager) ChangeIdentifier(ctx context.Context, oldID, newID string) (ok bool, err error) {
	const op = "repost"
	ctx, span := startSpan(ctx, op, oldID, attribute.String("party.new_id", newID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(newID) == "" {
		return false, validationErr(op, "new identifier is required")
	}
	return m.update(ctx, op, oldID, func(ctx context.Context, tx party.Tx) (bool, error) {
		return tx.ChangeID(ctx, oldID, newID)
	})
}

// update runs a single-field mutation against a non-expired party.
func (m *Manager) update(ctx context.Context, op, partyID string, fn func(context.Context, party.Tx) (bool, error)) (bool, error) {
	ok, err := txgate.WithExclusiveTransaction(ctx, m.gate, func(ctx context.Context, tx party.Tx) (bool, error) {
		if _, err := mutable(ctx, tx, op, partyID); err != nil {
			return false, err
		}
		return fn(ctx, tx)
	})
	if err != nil {
		return false, classify(op, partyID, err)
	}
	return ok, nil
}

// Expire moves the party to its terminal state.
func (m *Manager) Expire(ctx context.Context, partyID string) (ok bool, err error) {
	const op = "expire"
	ctx, span := startSpan(ctx, op, partyID)
	defer func() { endSpan(span, err) }()

	ok, err = m.update(ctx, op, partyID, func(ctx context.Context, tx party.Tx) (bool, error) {
		return tx.SetExpired(ctx, partyID)
	})
	if err == nil && ok {
		logger.Info("party %s expired", partyID)
	}
	return ok, err
}

// GetParty reads a party and its roster inside one transaction.
// Expired parties are returned too.
func (m *Manager) GetParty(ctx context.Context, partyID string) (snap *Snapshot, err error) {
	const op = "get"
	ctx, span := startSpan(ctx, op, partyID)
	defer func() { endSpan(span, err) }()

	snap, err = txgate.WithExclusiveTransaction(ctx, m.gate, func(ctx context.Context, tx party.Tx) (*Snapshot, error) {
		p, err := tx.FindParty(ctx, partyID)
		if err != nil {
			return nil, err
		}
		r, err := readRoster(ctx, tx, p.Key)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Party: p, State: StateOf(p).String(), Roster: *r}, nil
	})
	if err != nil {
		return nil, classify(op, partyID, err)
	}
	return snap, nil
}

// Peek reads a party without taking the gate. The result may be torn
// across a concurrent mutation; use it only for display.
func (m *Manager) Peek(ctx context.Context, partyID string) (*Snapshot, error) {
	p, active, wait, err := m.gate.Repository().ReadParty(ctx, partyID)
	if err != nil {
		return nil, classify("peek", partyID, err)
	}
	return &Snapshot{Party: p, State: StateOf(p).String(), Roster: Roster{Active: active, Waitlist: wait}}, nil
}

// ListExpired returns live parties whose expiry is not after now.
func (m *Manager) ListExpired(ctx context.Context, now time.Time) (parties []*party.Party, err error) {
	const op = "list_expired"
	ctx, span := startSpan(ctx, op, "")
	defer func() { endSpan(span, err) }()

	parties, err = txgate.WithExclusiveTransaction(ctx, m.gate, func(ctx context.Context, tx party.Tx) ([]*party.Party, error) {
		return tx.ListOverdue(ctx, now)
	})
	if err != nil {
		return nil, classify(op, "", err)
	}
	return parties, nil
}

// SetScopeBanned bans or unbans a guild from creating parties.
func (m *Manager) SetScopeBanned(ctx context.Context, guildID string, banned bool) (bool, error) {
	const op = "ban"
	ok, err := txgate.WithExclusiveTransaction(ctx, m.gate, func(ctx context.Context, tx party.Tx) (bool, error) {
		ok, err := tx.SetGuildBanned(ctx, guildID, banned)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, &Error{Kind: KindNotFound, Op: op, Message: "guild " + guildID + " is not registered"}
		}
		return true, nil
	})
	if err != nil {
		return false, classify(op, "", err)
	}
	return ok, nil
}

// mutable loads a party that may still be mutated.
func mutable(ctx context.Context, tx party.Tx, op, partyID string) (*party.Party, error) {
	p, err := tx.FindParty(ctx, partyID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return nil, notFoundErr(op, partyID, "party not found")
		}
		return nil, err
	}
	if !StateOf(p).Mutable() {
		return nil, terminalErr(op, partyID)
	}
	return p, nil
}

func readRoster(ctx context.Context, tx party.Tx, partyKey string) (*Roster, error) {
	active, err := tx.ListActive(ctx, partyKey)
	if err != nil {
		return nil, err
	}
	wait, err := tx.ListWaitlist(ctx, partyKey)
	if err != nil {
		return nil, err
	}
	return &Roster{Active: active, Waitlist: wait}, nil
}

func (m *Manager) validName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationErr(op, "name is required")
	}
	if n := utf8.RuneCountInString(name); n > m.maxNameLength {
		return "", validationErr(op, "name is %d characters, limit is %d", n, m.maxNameLength)
	}
	return name, nil
}

func (m *Manager) validCapacity(op string, capacity int) error {
	if capacity < 1 || capacity > m.maxCapacity {
		return validationErr(op, "capacity must be between 1 and %d, got %d", m.maxCapacity, capacity)
	}
	return nil
}

// expiry resolves the requested expiry, clamps it to the maximum lifetime
// and truncates it to the minute.
func (m *Manager) expiry(op string, now time.Time, req CreateRequest) (time.Time, error) {
	var lifetime time.Duration
	switch {
	case !req.ExpiresAt.IsZero():
		lifetime = req.ExpiresAt.Sub(now)
	case req.Lifetime != 0:
		lifetime = req.Lifetime
	default:
		lifetime = m.maxLifetime
	}
	if lifetime < MinLifetime {
		return time.Time{}, validationErr(op, "expiry must be at least %s away", MinLifetime)
	}
	if lifetime > m.maxLifetime {
		lifetime = m.maxLifetime
	}
	return now.Add(lifetime).Truncate(time.Minute), nil
}

func startSpan(ctx context.Context, op, partyID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if partyID != "" {
		attrs = append(attrs, attribute.String("party.id", partyID))
	}
	return tracer.Start(ctx, "roster."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if KindOf(err) == KindStore {
			logger.Warn("roster: %v", err)
		}
	}
	span.End()
}
