// Package state owns the single application state: mode, theme, demo
// wallet, demo positions, the connected pro wallet, the selected pair and
// the avatar, plus a few transient UI flags.
//
// Every mutation runs to completion under one mutex, persists the
// whitelisted fields as a single JSON record under a fixed key, and then
// notifies subscribers with a fresh snapshot. Persistence is best-effort:
// a failed save is logged and counted but never surfaces to the caller.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/gamify"
	"github.com/pearfect/engine/internal/ledger"
	"github.com/pearfect/engine/internal/metrics"
	"github.com/pearfect/engine/internal/model"
	"github.com/pearfect/engine/internal/pair"
	"github.com/pearfect/engine/internal/risk"
	"github.com/pearfect/engine/internal/store"
	"github.com/pearfect/engine/internal/wallet"
)

// DefaultKey is the storage key the persisted record lives under.
const DefaultKey = "pearfect-storage"

// CoinShowerDuration is how long the celebration flag stays raised.
const CoinShowerDuration = 2500 * time.Millisecond

var (
	ErrInvalidMode  = errors.New("state: invalid mode")
	ErrInvalidTheme = errors.New("state: invalid theme")

	// ErrWalletMismatch is returned when an authorization names an
	// address other than the connected wallet.
	ErrWalletMismatch = errors.New("state: address is not the connected wallet")
)

// Rand is the randomness the store draws on for demo addresses and entry
// ratios. *rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func())

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for timestamps and streak dates.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRand sets the randomness source. The store serializes access to it.
func WithRand(r Rand) Option {
	return func(s *Store) { s.rnd = r }
}

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithLocation sets the location calendar dates are taken in.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithThemeHook registers a callback invoked with the new theme after
// every SetTheme, and once on Open with the restored theme.
func WithThemeHook(fn func(model.Theme)) Option {
	return func(s *Store) { s.themeHook = fn }
}

// WithScheduler replaces time.AfterFunc for transient flag timers. f must
// run asynchronously, never inside the scheduling call.
func WithScheduler(fn AfterFunc) Option {
	return func(s *Store) { s.after = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the application state container. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	backend   store.Store
	key       string
	clock     clock.Clock
	loc       *time.Location
	rnd       Rand
	themeHook func(model.Theme)
	after     AfterFunc
	logger    *slog.Logger

	data model.Persisted

	showCoinShower    bool
	showSearchModal   bool
	builderAuthorized bool
	showerGen         uint64

	subs    map[int]func(model.Snapshot)
	nextSub int
}

// Defaults returns the state used on first run and whenever the persisted
// record cannot be read.
func Defaults() model.Persisted {
	return model.Persisted{
		Mode:          model.ModeDemo,
		Theme:         model.ThemeDark,
		DemoWallet:    nil,
		DemoPositions: []model.DemoPosition{},
		Wallet:        model.WalletLink{Connected: false},
		SelectedPair:  pair.Default,
		Avatar:        gamify.NewAvatar(),
	}
}

// Open restores the state from backend. A missing, unreadable or corrupt
// record falls back to Defaults; Open itself never fails.
func Open(ctx context.Context, backend store.Store, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		key:     DefaultKey,
		clock:   clock.System{},
		loc:     time.Local,
		after:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		logger:  slog.Default(),
		subs:    make(map[int]func(model.Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(s.clock.Now().UnixNano()))
	}
	if s.backend == nil {
		s.backend = store.NewMemoryStore()
	}

	s.data = s.restore(ctx)
	metrics.OpenDemoPositions.Set(float64(len(s.data.DemoPositions)))
	metrics.StreakDays.Set(float64(s.data.Avatar.CurrentStreakDays))
	if s.themeHook != nil {
		s.themeHook(s.data.Theme)
	}
	return s
}

func (s *Store) restore(ctx context.Context) model.Persisted {
	raw, err := s.backend.Load(ctx, s.key)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("no persisted state, using defaults", "key", s.key)
		return Defaults()
	}
	if err != nil {
		s.logger.Warn("state load failed, using defaults", "key", s.key, "err", err)
		return Defaults()
	}

	// Fields absent from the record keep their defaults.
	p := Defaults()
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("persisted state is corrupt, using defaults", "key", s.key, "err", err)
		return Defaults()
	}
	return s.repair(p)
}

// repair brings a decoded record back within the model's invariants.
func (s *Store) repair(p model.Persisted) model.Persisted {
	def := Defaults()
	if !p.Mode.Valid() {
		p.Mode = def.Mode
	}
	if !p.Theme.Valid() {
		p.Theme = def.Theme
	}
	if err := pair.Validate(p.SelectedPair); err != nil {
		p.SelectedPair = def.SelectedPair
	}
	if p.DemoPositions == nil {
		p.DemoPositions = []model.DemoPosition{}
	}
	if w := p.DemoWallet; w != nil {
		if w.MaxCredits <= 0 {
			w.MaxCredits = ledger.MaxCredits
		}
		if w.Credits < 0 {
			w.Credits = 0
		}
		if w.Credits > w.MaxCredits {
			w.Credits = w.MaxCredits
		}
		if w.History == nil {
			w.History = []model.DemoTransaction{}
		}
	}
	if link, err := wallet.Normalize(p.Wallet); err != nil {
		s.logger.Warn("persisted wallet link invalid, disconnecting", "err", err)
		p.Wallet = def.Wallet
	} else {
		p.Wallet = link
	}
	if p.Avatar.XP < 0 {
		p.Avatar.XP = 0
	}
	gamify.Recompute(&p.Avatar)
	return p
}

// persist writes the whitelisted record. Callers hold s.mu.
func (s *Store) persist(ctx context.Context) {
	raw, err := json.Marshal(s.data)
	if err != nil {
		metrics.PersistFailures.Inc()
		s.logger.Error("state encode failed", "err", err)
		return
	}
	if err := s.backend.Save(ctx, s.key, raw); err != nil {
		metrics.PersistFailures.Inc()
		s.logger.Error("state save failed", "key", s.key, "err", err)
	}
}

// commit persists and notifies subscribers. Callers hold s.mu.
func (s *Store) commit(ctx context.Context) {
	s.persist(ctx)
	s.notify()
}

func (s *Store) notify() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshot()
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			fn(snap)
		}
	}
}

// Subscribe registers fn to receive a snapshot after every mutation, in
// mutation order. fn runs while the store is locked and must not call
// back into the store. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(model.Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a deep copy of the full state.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Store) snapshot() model.Snapshot {
	p := s.data
	p.DemoWallet = s.data.DemoWallet.Clone()
	p.DemoPositions = clonePositions(s.data.DemoPositions)
	p.Wallet = s.data.Wallet.Clone()
	p.Avatar = s.data.Avatar.Clone()
	return model.Snapshot{
		Persisted:         p,
		ShowCoinShower:    s.showCoinShower,
		ShowSearchModal:   s.showSearchModal,
		BuilderAuthorized: s.builderAuthorized,
	}
}

// Today is the current calendar date (YYYY-MM-DD) in the store's location.
func (s *Store) Today() string {
	return gamify.DateOf(s.clock.Now(), s.loc)
}

func clonePositions(ps []model.DemoPosition) []model.DemoPosition {
	out := make([]model.DemoPosition, len(ps))
	for i, p := range ps {
		out[i] = p.Clone()
	}
	return out
}

// --- Mode, theme, pair, wallet ---

// SetMode switches between demo and pro.
func (s *Store) SetMode(ctx context.Context, m model.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Mode = m
	s.commit(ctx)
	return nil
}

// SetTheme changes the theme and runs the theme hook.
func (s *Store) SetTheme(ctx context.Context, t model.Theme) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTheme, t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Theme = t
	if s.themeHook != nil {
		s.themeHook(t)
	}
	s.commit(ctx)
	return nil
}

// SetSelectedPair changes the active pair. Subscribers keyed on the pair
// see the new value in the same notification.
func (s *Store) SetSelectedPair(ctx context.Context, p model.SelectedPair) error {
	p = pair.Normalize(p)
	if err := pair.Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SelectedPair = p
	s.commit(ctx)
	return nil
}

// SetWallet records the connected pro wallet. Addresses are stored in
// EIP-55 checksum form. Disconnecting or switching to another address
// drops builder authorization.
func (s *Store) SetWallet(ctx context.Context, link model.WalletLink) error {
	link, err := wallet.Normalize(link)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !link.Connected || addressOf(s.data.Wallet) != addressOf(link) {
		s.builderAuthorized = false
	}
	s.data.Wallet = link
	s.commit(ctx)
	return nil
}

// --- Demo wallet ---

// InitDemoWallet creates the demo wallet if none exists and returns it.
// Calling it again returns the existing wallet unchanged.
func (s *Store) InitDemoWallet(ctx context.Context) *model.DemoWallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.DemoWallet != nil {
		return s.data.DemoWallet.Clone()
	}
	s.data.DemoWallet = ledger.NewWallet(ledger.GenerateAddress(s.rnd), s.clock.Now())
	s.logger.Info("demo wallet created", "address", s.data.DemoWallet.Address)
	s.commit(ctx)
	return s.data.DemoWallet.Clone()
}

// ResetDemoWallet replaces the wallet with a fresh one (new address, full
// credits, empty history) and clears all demo positions.
func (s *Store) ResetDemoWallet(ctx context.Context) *model.DemoWallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DemoWallet = ledger.NewWallet(ledger.GenerateAddress(s.rnd), s.clock.Now())
	s.data.DemoPositions = []model.DemoPosition{}
	metrics.DemoWalletResets.Inc()
	metrics.OpenDemoPositions.Set(0)
	s.logger.Info("demo wallet reset", "address", s.data.DemoWallet.Address)
	s.commit(ctx)
	return s.data.DemoWallet.Clone()
}

// DeductCredits lowers the demo balance, clamping at zero. It does not
// record a transaction.
func (s *Store) DeductCredits(ctx context.Context, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ledger.Deduct(s.data.DemoWallet, amount); err != nil {
		return err
	}
	s.commit(ctx)
	return nil
}

// RecordTransaction appends to the demo history without touching the
// balance.
func (s *Store) RecordTransaction(ctx context.Context, kind model.TxKind, amount int64, description string) (model.DemoTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := ledger.Record(s.data.DemoWallet, kind, amount, description, s.clock.Now())
	if err != nil {
		return model.DemoTransaction{}, err
	}
	s.commit(ctx)
	return tx, nil
}

// --- Demo positions ---

// OpenPosition appends a demo position. Leg weights are not validated.
func (s *Store) OpenPosition(ctx context.Context, long, short []model.Leg, stake int64, entryRatio decimal.Decimal, label string) model.DemoPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.openPosition(long, short, stake, entryRatio, label)
	s.commit(ctx)
	return p
}

func (s *Store) openPosition(long, short []model.Leg, stake int64, entryRatio decimal.Decimal, label string) model.DemoPosition {
	p := model.DemoPosition{
		ID:         uuid.New().String(),
		LongLegs:   append([]model.Leg{}, long...),
		ShortLegs:  append([]model.Leg{}, short...),
		Stake:      stake,
		EntryRatio: entryRatio,
		Label:      label,
		CreatedAt:  s.clock.Now(),
	}
	s.data.DemoPositions = append(s.data.DemoPositions, p)
	metrics.OpenDemoPositions.Set(float64(len(s.data.DemoPositions)))
	return p.Clone()
}

// ClearPositions removes every demo position.
func (s *Store) ClearPositions(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DemoPositions = []model.DemoPosition{}
	metrics.OpenDemoPositions.Set(0)
	s.commit(ctx)
}

// Positions returns a copy of the open demo positions in creation order.
func (s *Store) Positions() []model.DemoPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePositions(s.data.DemoPositions)
}

// --- Avatar ---

// AddXP awards XP. Qualifying awards also advance the daily streak for
// the current calendar date.
func (s *Store) AddXP(ctx context.Context, amount int64, qualifying bool) (gamify.Award, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	award, err := s.addXP(amount, qualifying)
	if err != nil {
		return gamify.Award{}, err
	}
	s.commit(ctx)
	return award, nil
}

func (s *Store) addXP(amount int64, qualifying bool) (gamify.Award, error) {
	award, err := gamify.AddXP(&s.data.Avatar, amount, qualifying, s.Today())
	if err != nil {
		return gamify.Award{}, err
	}
	metrics.XPAwarded.WithLabelValues("base").Add(float64(award.Base))
	if award.StreakBonus > 0 {
		metrics.XPAwarded.WithLabelValues("streak").Add(float64(award.StreakBonus))
	}
	for _, id := range award.NewBadges {
		metrics.BadgesUnlocked.WithLabelValues(id).Inc()
		s.logger.Info("badge unlocked", "badge", id, "streak", s.data.Avatar.CurrentStreakDays)
	}
	metrics.StreakDays.Set(float64(s.data.Avatar.CurrentStreakDays))
	if award.LevelUp {
		s.logger.Info("level up", "level", s.data.Avatar.Level, "xp", s.data.Avatar.XP)
	}
	return award, nil
}

// --- Transient UI flags ---

// TriggerCoinShower raises the celebration flag and lowers it again after
// CoinShowerDuration. A newer trigger extends the window.
func (s *Store) TriggerCoinShower() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerCoinShower()
	s.notify()
}

func (s *Store) triggerCoinShower() {
	s.showCoinShower = true
	s.showerGen++
	gen := s.showerGen
	s.after(CoinShowerDuration, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.showerGen != gen || !s.showCoinShower {
			return
		}
		s.showCoinShower = false
		s.notify()
	})
}

// SetShowSearchModal toggles the pair search modal.
func (s *Store) SetShowSearchModal(show bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.showSearchModal = show
	s.notify()
}

func addressOf(l model.WalletLink) string {
	if !l.Connected || l.Address == nil {
		return ""
	}
	return *l.Address
}

// AuthorizeWallet marks the session authorized for address, which must be
// the connected wallet (any case; compared in checksum form).
func (s *Store) AuthorizeWallet(address string) error {
	address, err := wallet.Checksum(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	connected := addressOf(s.data.Wallet)
	if connected == "" {
		return risk.ErrWalletNotConnected
	}
	if connected != address {
		return ErrWalletMismatch
	}
	s.builderAuthorized = true
	s.notify()
	return nil
}

// SetBuilderAuthorized records whether the builder fee approval has been
// signed for this session.
func (s *Store) SetBuilderAuthorized(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builderAuthorized = ok
	s.notify()
}
