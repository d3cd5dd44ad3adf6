package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/baraziliya/rank/backend/internal/rating"
)

var (
	// ErrUsernameTaken indicates a registration against an existing username.
	ErrUsernameTaken = errors.New("users: username already exists")
	// ErrInvalidLogin indicates an unknown username or a wrong password.
	ErrInvalidLogin = errors.New("users: invalid credentials")
	// ErrNotApproved indicates a login before admin approval.
	ErrNotApproved = errors.New("users: account pending approval")
	// ErrAccountNotFound indicates an unknown account identifier.
	ErrAccountNotFound = errors.New("users: account not found")
	// ErrInvalidUsername indicates an empty or oversized username.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrInvalidPassword indicates an empty password.
	ErrInvalidPassword = errors.New("users: invalid password")
)

const maxUsernameLength = 100

// IDProvider issues identifiers for new accounts.
type IDProvider interface {
	NewID() (string, error)
}

// PlayerRegistry keeps the standings in step with account approval: approving
// an account creates its player, deleting the account removes it.
type PlayerRegistry interface {
	CreatePlayer(ctx context.Context, playerID rating.PlayerID) error
	RemovePlayer(ctx context.Context, playerID rating.PlayerID) error
}

// ServiceConfig describes the dependencies for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Players    PlayerRegistry
	Logger     *zap.Logger
}

// Service manages registration, approval and password authentication.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	players    PlayerRegistry
	logger     *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	if cfg.Players == nil {
		return nil, fmt.Errorf("users: player registry required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		players:    cfg.Players,
		logger:     logger,
	}, nil
}

// Register creates an account awaiting admin approval.
func (s *Service) Register(ctx context.Context, username, password string) (Account, error) {
	name := NormalizeUsername(username)
	if name == "" || len(name) > maxUsernameLength {
		return Account{}, ErrInvalidUsername
	}
	if password == "" {
		return Account{}, ErrInvalidPassword
	}

	var existing Account
	err := s.db.WithContext(ctx).Where("username = ?", name).Take(&existing).Error
	if err == nil {
		return Account{}, ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, err
	}
	accountID, err := s.idProvider.NewID()
	if err != nil {
		return Account{}, err
	}

	account := Account{
		AccountID:        accountID,
		Username:         name,
		PasswordHash:     string(hash),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return Account{}, err
	}

	s.logger.Info("account registered", zap.String("account_id", accountID), zap.String("username", name))
	return account, nil
}

// Authenticate checks the password for an approved account.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Account, error) {
	name := NormalizeUsername(username)

	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", name).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrInvalidLogin
	}
	if err != nil {
		return Account{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return Account{}, ErrInvalidLogin
	}
	if !account.IsApproved {
		return Account{}, ErrNotApproved
	}
	return account, nil
}

// Account returns the account for the given identifier.
func (s *Service) Account(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Approve marks an account approved and adds its player to the standings.
func (s *Service) Approve(ctx context.Context, accountID string) (Account, error) {
	account, err := s.Account(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if !account.IsApproved {
		if err := s.db.WithContext(ctx).Model(&Account{}).
			Where("account_id = ?", accountID).
			Update("is_approved", true).Error; err != nil {
			return Account{}, err
		}
		account.IsApproved = true
	}

	if !account.IsAdmin {
		playerID, err := rating.NewPlayerID(accountID)
		if err != nil {
			return Account{}, err
		}
		if err := s.players.CreatePlayer(ctx, playerID); err != nil {
			return Account{}, err
		}
	}

	s.logger.Info("account approved", zap.String("account_id", accountID))
	return account, nil
}

// Delete removes an account and its player from the standings. Recorded
// matches survive deletion.
func (s *Service) Delete(ctx context.Context, accountID string) error {
	if _, err := s.Account(ctx, accountID); err != nil {
		return err
	}

	playerID, err := rating.NewPlayerID(accountID)
	if err != nil {
		return err
	}
	if err := s.players.RemovePlayer(ctx, playerID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&Account{}).Error; err != nil {
		return err
	}

	s.logger.Info("account deleted", zap.String("account_id", accountID))
	return nil
}

// PendingAccounts lists registrations awaiting approval, oldest first.
func (s *Service) PendingAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := s.db.WithContext(ctx).
		Where("is_approved = ?", false).
		Order("created_at_s ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ApprovedAccounts lists the active accounts, oldest first.
func (s *Service) ApprovedAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := s.db.WithContext(ctx).
		Where("is_approved = ?", true).
		Order("created_at_s ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// EnsureAdmin creates the bootstrap admin account when it does not exist.
// The admin never appears in the standings.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (Account, error) {
	name := NormalizeUsername(username)
	if name == "" {
		return Account{}, ErrInvalidUsername
	}

	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", name).Take(&account).Error
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, err
	}
	if password == "" {
		return Account{}, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, err
	}
	accountID, err := s.idProvider.NewID()
	if err != nil {
		return Account{}, err
	}

	account = Account{
		AccountID:        accountID,
		Username:         name,
		PasswordHash:     string(hash),
		IsAdmin:          true,
		IsApproved:       true,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return Account{}, err
	}

	s.logger.Info("admin account created", zap.String("account_id", accountID), zap.String("username", name))
	return account, nil
}
