package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrNotAllowed    = errors.New("auth: not allowed")
	ErrEnergyLimit   = errors.New("auth: insufficient energy")
	ErrUserExists    = errors.New("auth: user already registered")
	ErrNotRegistered = errors.New("auth: user not registered")
)

type sharingRef struct {
	user   *User
	dashID int
}

// Manager resolves tokens to users and owns every mutation of a
// user's token and energy state. Index lookups take the manager lock;
// read-modify-write of one user's balance or tokens takes that user's
// lock, so unrelated users never serialize against each other.
type Manager struct {
	mu        sync.RWMutex
	users     map[string]*User
	byToken   map[string]*User
	bySharing map[string]sharingRef

	store  Store
	logger *slog.Logger

	// ShareTokenPrice is the energy debited per issued sharing token.
	ShareTokenPrice int
	// RegisterEnergy is the starting balance of a new profile.
	RegisterEnergy int
}

func NewManager(logger *slog.Logger, store Store, shareTokenPrice, registerEnergy int) (*Manager, error) {
	m := &Manager{
		users:           make(map[string]*User),
		byToken:         make(map[string]*User),
		bySharing:       make(map[string]sharingRef),
		store:           store,
		logger:          logger.With(slog.String("component", "auth_manager")),
		ShareTokenPrice: shareTokenPrice,
		RegisterEnergy:  registerEnergy,
	}
	users, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		m.users[u.Name] = u
		if u.AuthToken != "" {
			m.byToken[u.AuthToken] = u
		}
		for dashID, token := range u.SharingTokens {
			m.bySharing[token] = sharingRef{user: u, dashID: dashID}
		}
	}
	m.logger.Info("user profiles loaded", slog.Int("count", len(users)))
	return m, nil
}

// Authenticate resolves a primary auth token. Exact, case-sensitive
// lookup only.
func (m *Manager) Authenticate(token string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byToken[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return u, nil
}

// AuthenticateUserPass resolves application credentials.
func (m *Manager) AuthenticateUserPass(name, pass string) (*User, error) {
	m.mu.RLock()
	u, ok := m.users[name]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotRegistered
	}
	hash := HashPassword(pass)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(u.PassHash)) != 1 {
		return nil, ErrInvalidToken
	}
	return u, nil
}

// FindByName looks a user up by identity.
func (m *Manager) FindByName(name string) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[name]
	return u, ok
}

// Register creates a fresh profile with a generated auth token and the
// configured starting energy.
func (m *Manager) Register(name, pass string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[name]; exists {
		return nil, ErrUserExists
	}
	u := &User{
		Name:          name,
		PassHash:      HashPassword(pass),
		AuthToken:     newToken(),
		Energy:        m.RegisterEnergy,
		SharingTokens: make(map[int]string),
	}
	m.users[name] = u
	m.byToken[u.AuthToken] = u
	if err := m.store.Save(u); err != nil {
		return nil, err
	}
	m.logger.Info("user registered", slog.String("user", name))
	return u, nil
}

// ResolveSharingToken maps a sharing token to its owner and the single
// dashboard it grants access to.
func (m *Manager) ResolveSharingToken(token string) (*User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.bySharing[token]
	if !ok {
		return nil, 0, ErrInvalidToken
	}
	return ref.user, ref.dashID, nil
}

// IssueSharingToken mints a fresh sharing token for (user, dashID) and
// debits the share-token price as one atomic unit: on any failure the
// previous token keeps working and no energy is taken. A successful
// issue immediately invalidates the previous token for that dashboard.
func (m *Manager) IssueSharingToken(u *User, dashID int) (string, error) {
	if !u.OwnsDash(dashID) {
		return "", ErrNotAllowed
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.Energy < m.ShareTokenPrice {
		return "", ErrEnergyLimit
	}

	token := newToken()

	m.mu.Lock()
	if u.SharingTokens == nil {
		u.SharingTokens = make(map[int]string)
	}
	if old, ok := u.SharingTokens[dashID]; ok {
		delete(m.bySharing, old)
	}
	u.SharingTokens[dashID] = token
	m.bySharing[token] = sharingRef{user: u, dashID: dashID}
	m.mu.Unlock()

	u.Energy -= m.ShareTokenPrice
	if err := m.store.Save(u); err != nil {
		m.logger.Error("profile save failed after token issue", slog.String("user", u.Name), slog.Any("error", err))
	}
	m.logger.Debug("sharing token issued", slog.String("user", u.Name), slog.Int("dashID", dashID))
	return token, nil
}

// Charge debits energy if and only if the balance covers the amount.
// A declined charge leaves the balance untouched.
func (m *Manager) Charge(u *User, amount int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if amount < 0 {
		return ErrNotAllowed
	}
	if u.Energy < amount {
		return ErrEnergyLimit
	}
	u.Energy -= amount
	if err := m.store.Save(u); err != nil {
		m.logger.Error("profile save failed after charge", slog.String("user", u.Name), slog.Any("error", err))
	}
	return nil
}

// Balance reads the current energy under the user's lock.
func (m *Manager) Balance(u *User) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Energy
}

// tokens are uuid-derived opaque strings with dashes stripped, same
// shape hardware clients already embed in firmware.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
