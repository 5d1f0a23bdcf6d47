package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"gorm.io/gorm"
)

type Client struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null;index" json:"name" binding:"required"`
	Phone     string    `gorm:"size:50" json:"phone"`
	Email     string    `gorm:"size:255" json:"email"`
	Notes     string    `gorm:"type:text" json:"notes"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Addresses []Address `gorm:"foreignKey:ClientId" json:"addresses"`
}

type NewClient struct {
	Name  string `json:"name" binding:"required"`
	Phone string `json:"phone"`
	Email string `json:"email"`
	Notes string `json:"notes"`
}

func (obj Client) GetId() int {
	return obj.ID
}

func (input NewClient) validate() error {
	if strings.TrimSpace(input.Name) == "" {
		return errors.New("client name is required")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("client email is not valid")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return errors.New("client phone number is not valid")
		}
	}
	return nil
}

func CreateClient(ctx context.Context, input *NewClient) (*Client, error) {
	db := config.GetDB()

	if err := input.validate(); err != nil {
		return nil, err
	}

	client := Client{
		Name:  strings.TrimSpace(input.Name),
		Phone: input.Phone,
		Email: input.Email,
		Notes: input.Notes,
	}
	if err := db.WithContext(ctx).Create(&client).Error; err != nil {
		return nil, err
	}
	return &client, nil
}

func GetClient(ctx context.Context, id int) (*Client, error) {
	db := config.GetDB()
	var client Client
	err := db.WithContext(ctx).Preload("Addresses").Where("id = ?", id).First(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	return &client, err
}

// FindOrCreateClient is shared between direct creation and spreadsheet
// import: both resolve a client by exact name before creating one.
func FindOrCreateClient(ctx context.Context, tx *gorm.DB, input *NewClient) (*Client, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	var client Client
	err := tx.WithContext(ctx).Where("name = ?", strings.TrimSpace(input.Name)).First(&client).Error
	if err == nil {
		return &client, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	client = Client{
		Name:  strings.TrimSpace(input.Name),
		Phone: input.Phone,
		Email: input.Email,
		Notes: input.Notes,
	}
	if err := tx.WithContext(ctx).Create(&client).Error; err != nil {
		return nil, err
	}
	return &client, nil
}
