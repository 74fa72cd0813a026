package party

import (
	"context"
	"errors"
	"time"
)

// Scope identifies where a party lives on the chat platform.
// Name uniqueness is enforced per guild.
type Scope struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// Party is one roster. Key never changes; ID is the identifier of the
// rendered artifact and moves when the party is reposted.
type Party struct {
	Key           string    `json:"key"`
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OwnerID       string    `json:"owner_id"`
	OwnerNickname string    `json:"owner_nickname,omitempty"`
	Capacity      int       `json:"capacity"`
	Scope         Scope     `json:"scope"`
	ExpiresAt     time.Time `json:"expires_at"`
	Closed        bool      `json:"closed"`
	Expired       bool      `json:"expired"`
	CreatedAt     time.Time `json:"created_at"`
}

// MemberKind is the partition a member row belongs to.
type MemberKind int

const (
	Active MemberKind = iota
	Waitlist
)

func (k MemberKind) String() string {
	if k == Waitlist {
		return "waitlist"
	}
	return "active"
}

// Member is one membership row. Exited rows are kept, never purged.
type Member struct {
	PartyKey string     `json:"-"`
	UserID   string     `json:"user_id"`
	Nickname string     `json:"nickname"`
	JoinedAt time.Time  `json:"joined_at"`
	Kind     MemberKind `json:"-"`
	Exited   bool       `json:"-"`
}

var (
	// ErrNotFound is returned when a party id does not resolve.
	ErrNotFound = errors.New("party: not found")
	// ErrNameConflict is returned by CreateParty when the guild already has
	// a live party with the same name. Rename does not check it.
	ErrNameConflict = errors.New("party: name already in use")
	// ErrDuplicateMember is returned by InsertMember when the user already
	// holds a non-exited row in the party.
	ErrDuplicateMember = errors.New("party: duplicate member")
	// ErrDuplicateID is returned when a party identifier is already taken.
	ErrDuplicateID = errors.New("party: identifier already in use")
	// ErrStore marks failures of the storage engine itself.
	ErrStore = errors.New("party: store failure")
)

// Repository is the transactional entry point into party storage.
// Reads made outside a Tx are not serialized with mutations and may
// observe a roster mid-update.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)
	// ReadParty returns a party (expired included) with its active and
	// waitlist members, without any locking.
	ReadParty(ctx context.Context, id string) (*Party, []*Member, []*Member, error)
	Health(ctx context.Context) error
	Disconnect()
}

// Tx holds the primitive, non-atomic operations. None of them enforce
// capacity or ordering rules; callers do.
type Tx interface {
	CreateParty(ctx context.Context, p *Party) error
	NameTaken(ctx context.Context, scope Scope, name string) (bool, error)
	// GetParty excludes expired parties.
	GetParty(ctx context.Context, id string) (*Party, error)
	// FindParty includes expired parties.
	FindParty(ctx context.Context, id string) (*Party, error)

	// ListActive and ListWaitlist return non-exited members ordered by
	// join time, ties broken by insertion order.
	ListActive(ctx context.Context, partyKey string) ([]*Member, error)
	ListWaitlist(ctx context.Context, partyKey string) ([]*Member, error)
	HasMember(ctx context.Context, partyKey, userID string) (bool, error)
	InsertMember(ctx context.Context, m *Member) error
	// RemoveMember sets the exit flag on the user's row, whichever
	// partition it is in.
	RemoveMember(ctx context.Context, partyKey, userID string) (bool, error)
	RemoveAllMembers(ctx context.Context, partyKey string) (int64, error)

	UpdateCapacity(ctx context.Context, id string, capacity int) (bool, error)
	SetClosed(ctx context.Context, id string, closed bool) (bool, error)
	SetExpired(ctx context.Context, id string) (bool, error)
	Rename(ctx context.Context, id, name string) (bool, error)
	ChangeID(ctx context.Context, oldID, newID string) (bool, error)
	// ListOverdue returns live parties whose ExpiresAt is not after now.
	ListOverdue(ctx context.Context, now time.Time) ([]*Party, error)

	// TouchGuild registers a guild on first use and bumps its use counter
	// afterwards. allowed is false when the guild is banned.
	TouchGuild(ctx context.Context, guildID, name string) (allowed bool, err error)
	SetGuildBanned(ctx context.Context, guildID string, banned bool) (bool, error)

	Commit() error
	Rollback() error
}
