package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const RoleSigner = "signer"

// Admin is a member of the authorized signer set.
type Admin struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex;size:255;not null"`
	Role      string    `json:"role" gorm:"size:32;not null;default:signer"`
	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

func (Admin) TableName() string { return "admins" }

// Roster answers whether an authenticated email may sign.
type Roster interface {
	IsAuthorized(ctx context.Context, email string) (bool, error)
	Add(ctx context.Context, email, role string) (*Admin, error)
	Remove(ctx context.Context, email string) error
	List(ctx context.Context) ([]Admin, error)
}

type gormRoster struct {
	db *gorm.DB
}

// NewRoster migrates the admins table and returns a roster backed by it.
func NewRoster(db *gorm.DB) (Roster, error) {
	if err := db.AutoMigrate(&Admin{}); err != nil {
		return nil, fmt.Errorf("failed to migrate admins: %w", err)
	}
	return &gormRoster{db: db}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *gormRoster) IsAuthorized(ctx context.Context, email string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" {
		return false, nil
	}
	var admin Admin
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return admin.Role == RoleSigner, nil
}

func (r *gormRoster) Add(ctx context.Context, email, role string) (*Admin, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if role == "" {
		role = RoleSigner
	}
	admin := Admin{Email: email, Role: role}
	err := r.db.WithContext(ctx).
		Where(Admin{Email: email}).
		Assign(Admin{Role: role}).
		FirstOrCreate(&admin).Error
	if err != nil {
		return nil, err
	}
	return &admin, nil
}

func (r *gormRoster) Remove(ctx context.Context, email string) error {
	return r.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Delete(&Admin{}).Error
}

func (r *gormRoster) List(ctx context.Context) ([]Admin, error) {
	var admins []Admin
	err := r.db.WithContext(ctx).Order("email").Find(&admins).Error
	return admins, err
}
