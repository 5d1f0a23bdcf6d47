package models

import (
	"log"

	"bitbucket.org/mobelwerk/logistics_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&Client{}, &Address{},
		&Order{}, &OrderItem{},
		&Delivery{}, &DeliveryItem{},
		&RoutePlan{}, &RoutePlanAssignment{}, &DeliveryPlanLocation{},
		&Notification{}, &NotificationOutboxRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
