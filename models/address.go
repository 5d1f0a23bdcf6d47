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

type Address struct {
	ID                int       `gorm:"primary_key" json:"id"`
	ClientId          int       `gorm:"index;not null" json:"client_id" binding:"required"`
	Street            string    `gorm:"size:255;not null" json:"street" binding:"required"`
	City              string    `gorm:"size:100;not null" json:"city" binding:"required"`
	Zip               string    `gorm:"size:20" json:"zip"`
	PlaceId           string    `gorm:"size:255" json:"place_id"`
	NormalizedAddress string    `gorm:"size:512" json:"normalized_address"`
	Latitude          *float64  `json:"latitude"`
	Longitude         *float64  `json:"longitude"`
	QualityScore      float64   `gorm:"default:0" json:"quality_score"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAddress struct {
	ClientId int    `json:"client_id" binding:"required"`
	Street   string `json:"street" binding:"required"`
	City     string `json:"city" binding:"required"`
	Zip      string `json:"zip"`
	PlaceId  string `json:"place_id"`
}

func (obj Address) GetId() int {
	return obj.ID
}

func (a Address) HasCoordinates() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// geocode fills coordinates via the maps provider. Failures are logged and
// swallowed: an address without coordinates simply becomes a singleton stop
// in route grouping.
func (a *Address) geocode(ctx context.Context) {
	if a.PlaceId == "" {
		return
	}
	geocoder := config.GetGeocoder()
	if geocoder == nil {
		return
	}
	result, err := geocoder.Geocode(ctx, a.PlaceId)
	if err != nil {
		config.LogError(config.GetLogger(), "address.go", "geocode", "geocoder.Geocode", a.PlaceId, err)
		return
	}
	a.Latitude = &result.Latitude
	a.Longitude = &result.Longitude
	a.NormalizedAddress = result.NormalizedAddress
	a.QualityScore = result.QualityScore
}

func CreateAddress(ctx context.Context, input *NewAddress) (*Address, error) {
	db := config.GetDB()

	if err := utils.ValidateResourceId[Client](ctx, input.ClientId); err != nil {
		return nil, errors.New("client not found")
	}

	address := Address{
		ClientId: input.ClientId,
		Street:   strings.TrimSpace(input.Street),
		City:     strings.TrimSpace(input.City),
		Zip:      input.Zip,
		PlaceId:  input.PlaceId,
	}
	address.geocode(ctx)

	if err := db.WithContext(ctx).Create(&address).Error; err != nil {
		return nil, err
	}
	return &address, nil
}

func UpdateAddress(ctx context.Context, id int, input *NewAddress) (*Address, error) {
	db := config.GetDB()

	var address Address
	if err := db.WithContext(ctx).Where("id = ?", id).First(&address).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	address.Street = strings.TrimSpace(input.Street)
	address.City = strings.TrimSpace(input.City)
	address.Zip = input.Zip
	if input.PlaceId != address.PlaceId {
		address.PlaceId = input.PlaceId
		address.Latitude = nil
		address.Longitude = nil
		address.geocode(ctx)
	}

	if err := db.WithContext(ctx).Save(&address).Error; err != nil {
		return nil, err
	}
	return &address, nil
}

// FindOrCreateAddress resolves an address by client + street + city; shared
// by direct creation and spreadsheet import.
func FindOrCreateAddress(ctx context.Context, tx *gorm.DB, input *NewAddress) (*Address, error) {
	var address Address
	err := tx.WithContext(ctx).
		Where("client_id = ? AND street = ? AND city = ?", input.ClientId, strings.TrimSpace(input.Street), strings.TrimSpace(input.City)).
		First(&address).Error
	if err == nil {
		return &address, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	address = Address{
		ClientId: input.ClientId,
		Street:   strings.TrimSpace(input.Street),
		City:     strings.TrimSpace(input.City),
		Zip:      input.Zip,
		PlaceId:  input.PlaceId,
	}
	address.geocode(ctx)
	if err := tx.WithContext(ctx).Create(&address).Error; err != nil {
		return nil, err
	}
	return &address, nil
}
