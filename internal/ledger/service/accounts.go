package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/tipcall/tipcall/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) CreateAccount(ctx context.Context, displayName string) (*ledgerdomain.TokenAccount, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	now := s.clock.Now()
	account := &ledgerdomain.TokenAccount{
		ID:          s.genID.Generate(),
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return nil, err
	}
	s.log.Info("account created", zap.Int64("account_id", account.ID.Int64()))
	return account, nil
}

func (s *Service) Account(ctx context.Context, id snowflake.ID) (*ledgerdomain.TokenAccount, error) {
	if id == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	var account ledgerdomain.TokenAccount
	err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) SetPayoutDestination(ctx context.Context, id snowflake.ID, destination string) error {
	destination = strings.TrimSpace(destination)
	if id == 0 {
		return ledgerdomain.ErrInvalidAccount
	}
	res := s.db.WithContext(ctx).Exec(
		`UPDATE token_accounts SET payout_destination = ?, updated_at = ? WHERE id = ?`,
		destination, s.clock.Now(), id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ledgerdomain.ErrAccountNotFound
	}
	return nil
}

func (s *Service) MarkKYCVerified(ctx context.Context, id snowflake.ID, at time.Time) error {
	if id == 0 {
		return ledgerdomain.ErrInvalidAccount
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	res := s.db.WithContext(ctx).Exec(
		`UPDATE token_accounts SET kyc_verified_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), s.clock.Now(), id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ledgerdomain.ErrAccountNotFound
	}
	s.log.Info("account kyc verified", zap.Int64("account_id", id.Int64()))
	return nil
}
