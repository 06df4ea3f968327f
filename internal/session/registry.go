package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrDuplicate        = errors.New("owner already has an active session")
	ErrChannelTaken     = errors.New("channel already bound to a session")
	ErrReservationSpent = errors.New("reservation already committed or cancelled")
	ErrMissingOwner     = errors.New("owner id is empty")
)

// Sequence hands out record ids. Ids are never reused.
type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

// Claims extends owner exclusivity beyond this process. Optional.
type Claims interface {
	Claim(ctx context.Context, ownerID string) (bool, error)
	Release(ctx context.Context, ownerID string) error
}

// Registry is the single source of truth for which sessions exist. It is
// keyed by channel and enforces one live session per owner.
type Registry struct {
	seq    Sequence
	claims Claims
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	byChannel  map[string]*Session
	owners     map[string]string
	tombstones map[string]time.Time
}

func NewRegistry(seq Sequence, claims Claims, logger *zap.Logger) *Registry {
	if seq == nil {
		seq = NewMemorySequence(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		seq:        seq,
		claims:     claims,
		logger:     logger,
		now:        time.Now,
		byChannel:  make(map[string]*Session),
		owners:     make(map[string]string),
		tombstones: make(map[string]time.Time),
	}
}

// Reservation holds an owner's slot between Reserve and Commit. Exactly one
// of Commit or Cancel takes effect.
type Reservation struct {
	OwnerID   string
	RecordID  int64
	SessionID uuid.UUID

	reg  *Registry
	mu   sync.Mutex
	done bool
}

// Reserve atomically checks and takes the owner's single slot and
// allocates a record id. The slot stays taken until Cancel or, after
// Commit, until Remove.
func (r *Registry) Reserve(ctx context.Context, ownerID string) (*Reservation, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return nil, ErrMissingOwner
	}

	r.mu.Lock()
	if _, taken := r.owners[owner]; taken {
		r.mu.Unlock()
		return nil, ErrDuplicate
	}
	r.owners[owner] = ""
	r.mu.Unlock()

	if r.claims != nil {
		ok, err := r.claims.Claim(ctx, owner)
		if err != nil || !ok {
			r.dropOwner(owner)
			if err != nil {
				return nil, fmt.Errorf("claim owner: %w", err)
			}
			return nil, ErrDuplicate
		}
	}

	id, err := r.seq.Next(ctx)
	if err != nil {
		r.releaseClaim(owner)
		r.dropOwner(owner)
		return nil, fmt.Errorf("allocate record id: %w", err)
	}

	return &Reservation{
		OwnerID:   owner,
		RecordID:  id,
		SessionID: uuid.New(),
		reg:       r,
	}, nil
}

// Commit binds s to its channel. s receives the reserved identifiers.
func (res *Reservation) Commit(s *Session) error {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.done {
		return ErrReservationSpent
	}
	channel := strings.TrimSpace(s.ChannelID)
	if channel == "" {
		return fmt.Errorf("commit session: channel id is empty")
	}

	r := res.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byChannel[channel]; exists {
		return ErrChannelTaken
	}
	s.ID = res.SessionID
	s.RecordID = res.RecordID
	s.OwnerID = res.OwnerID
	r.byChannel[channel] = s
	r.owners[res.OwnerID] = channel
	delete(r.tombstones, channel)
	res.done = true

	r.logger.Debug("session_registered",
		zap.String("session_id", s.ID.String()),
		zap.Int64("record_id", s.RecordID),
		zap.String("channel_id", channel),
		zap.String("owner_id", s.OwnerID),
	)
	return nil
}

// Cancel gives the owner's slot back. No-op after Commit or a prior Cancel.
func (res *Reservation) Cancel() {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.done {
		return
	}
	res.done = true
	res.reg.releaseClaim(res.OwnerID)
	res.reg.dropOwner(res.OwnerID)
}

func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byChannel[strings.TrimSpace(channelID)]
	return s, ok
}

// ChannelOf returns the channel of the owner's live session.
func (r *Registry) ChannelOf(ownerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.owners[strings.TrimSpace(ownerID)]
	if !ok || ch == "" {
		return "", false
	}
	return ch, true
}

// Remove unbinds the channel's session, frees the owner's slot and leaves a
// tombstone so late events can be told the game is over.
func (r *Registry) Remove(channelID string) (*Session, bool) {
	channel := strings.TrimSpace(channelID)
	r.mu.Lock()
	s, ok := r.byChannel[channel]
	if ok {
		delete(r.byChannel, channel)
		if r.owners[s.OwnerID] == channel {
			delete(r.owners, s.OwnerID)
		}
		r.tombstones[channel] = r.now()
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.releaseClaim(s.OwnerID)
	return s, true
}

// Live returns the registered sessions ordered by record id.
func (r *Registry) Live() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.byChannel))
	for _, s := range r.byChannel {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// Snapshots lists the published state of live sessions without taking any
// session lock, so it never waits on an engine search.
func (r *Registry) Snapshots() []Snapshot {
	live := r.Live()
	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		if snap, ok := s.Snapshot(); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChannel)
}

func (r *Registry) Tombstoned(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tombstones[strings.TrimSpace(channelID)]
	return ok
}

// PruneTombstones forgets finished channels older than maxAge and reports
// how many were dropped.
func (r *Registry) PruneTombstones(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for ch, at := range r.tombstones {
		if at.Before(cutoff) {
			delete(r.tombstones, ch)
			n++
		}
	}
	return n
}

func (r *Registry) dropOwner(owner string) {
	r.mu.Lock()
	if ch, ok := r.owners[owner]; ok && ch == "" {
		delete(r.owners, owner)
	}
	r.mu.Unlock()
}

func (r *Registry) releaseClaim(owner string) {
	if r.claims == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.claims.Release(ctx, owner); err != nil {
		r.logger.Warn("owner_claim_release_failed", zap.String("owner_id", owner), zap.Error(err))
	}
}
