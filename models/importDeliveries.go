package models

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Import sheet layout, one product row per line. Rows sharing order number,
// address and delivery date become one delivery with several items.
const (
	importColOrderNumber = iota
	importColOrderDate
	importColClientName
	importColClientPhone
	importColClientEmail
	importColStreet
	importColCity
	importColZip
	importColProductName
	importColQuantity
	importColDeliveryDate
	importColDeliveryType
	importColNotes
)

const importDateLayout = "2006-01-02"

type deliveryImportRow struct {
	OrderNumber  string
	OrderDate    time.Time
	ClientName   string
	ClientPhone  string
	ClientEmail  string
	Street       string
	City         string
	Zip          string
	ProductName  string
	Quantity     decimal.Decimal
	DeliveryDate time.Time
	DeliveryType DeliveryType
	Notes        string
}

type ImportDeliveriesSummary struct {
	Rows       int `json:"rows"`
	Deliveries int `json:"deliveries"`
	Clients    int `json:"clients"`
	Orders     int `json:"orders"`
}

func importCell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func populateImportRow(row []string) (*deliveryImportRow, error) {
	out := deliveryImportRow{
		OrderNumber: importCell(row, importColOrderNumber),
		ClientName:  importCell(row, importColClientName),
		ClientPhone: importCell(row, importColClientPhone),
		ClientEmail: importCell(row, importColClientEmail),
		Street:      importCell(row, importColStreet),
		City:        importCell(row, importColCity),
		Zip:         importCell(row, importColZip),
		ProductName: importCell(row, importColProductName),
		Notes:       importCell(row, importColNotes),
	}

	orderDate, err := time.Parse(importDateLayout, importCell(row, importColOrderDate))
	if err != nil {
		return nil, fmt.Errorf("could not parse order date: %v", err)
	}
	out.OrderDate = orderDate

	qty, err := decimal.NewFromString(importCell(row, importColQuantity))
	if err != nil {
		return nil, fmt.Errorf("could not parse quantity: %v", err)
	}
	out.Quantity = qty

	deliveryDate, err := time.Parse(importDateLayout, importCell(row, importColDeliveryDate))
	if err != nil {
		return nil, fmt.Errorf("could not parse delivery date: %v", err)
	}
	out.DeliveryDate = deliveryDate

	deliveryType := DeliveryType(importCell(row, importColDeliveryType))
	if deliveryType == "" {
		deliveryType = DeliveryTypeNormal
	}
	out.DeliveryType = deliveryType

	return &out, nil
}

func validateImportRows(rows [][]string) ([]deliveryImportRow, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("sheet has no data rows")
	}
	parsed := make([]deliveryImportRow, 0, len(rows)-1)
	for idx, row := range rows[1:] {
		importRow, err := populateImportRow(row)
		if err != nil {
			return nil, fmt.Errorf("error in row %d: %v", idx+2, err)
		}
		if importRow.OrderNumber == "" {
			return nil, fmt.Errorf("order number is null in row %d", idx+2)
		}
		if importRow.ClientName == "" {
			return nil, fmt.Errorf("client name is null in row %d", idx+2)
		}
		if importRow.Street == "" || importRow.City == "" {
			return nil, fmt.Errorf("address is incomplete in row %d", idx+2)
		}
		if importRow.ProductName == "" {
			return nil, fmt.Errorf("product name is null in row %d", idx+2)
		}
		if !importRow.Quantity.IsPositive() {
			return nil, fmt.Errorf("quantity must be positive in row %d", idx+2)
		}
		if err := importRow.DeliveryType.UnmarshalText([]byte(importRow.DeliveryType)); err != nil {
			return nil, fmt.Errorf("error in row %d: %v", idx+2, err)
		}
		parsed = append(parsed, *importRow)
	}
	return parsed, nil
}

// ImportDeliveriesFromXlsx loads a spreadsheet of planned deliveries,
// creating missing clients, addresses, orders and order items on the fly.
// The whole sheet imports atomically; the first bad row aborts everything.
func ImportDeliveriesFromXlsx(ctx context.Context, file io.Reader) (*ImportDeliveriesSummary, error) {
	f, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Sheet1")
	if err != nil {
		return nil, fmt.Errorf("failed to read Sheet1: %v", err)
	}
	importRows, err := validateImportRows(rows)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	summary := ImportDeliveriesSummary{Rows: len(importRows)}
	knownClients := map[int]bool{}
	knownOrders := map[int]bool{}

	// Rows for the same order, address and date merge into one delivery.
	type groupKey struct {
		OrderNumber string
		Street      string
		City        string
		Date        string
	}
	groupOrder := []groupKey{}
	groups := map[groupKey][]deliveryImportRow{}
	for _, importRow := range importRows {
		key := groupKey{
			OrderNumber: importRow.OrderNumber,
			Street:      importRow.Street,
			City:        importRow.City,
			Date:        importRow.DeliveryDate.Format(importDateLayout),
		}
		if _, seen := groups[key]; !seen {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], importRow)
	}

	for _, key := range groupOrder {
		group := groups[key]
		first := group[0]

		client, err := FindOrCreateClient(ctx, tx, &NewClient{
			Name:  first.ClientName,
			Phone: first.ClientPhone,
			Email: first.ClientEmail,
		})
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("client %q: %v", first.ClientName, err)
		}
		if !knownClients[client.ID] {
			knownClients[client.ID] = true
			summary.Clients++
		}

		address, err := FindOrCreateAddress(ctx, tx, &NewAddress{
			ClientId: client.ID,
			Street:   first.Street,
			City:     first.City,
			Zip:      first.Zip,
		})
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("address %q: %v", first.Street, err)
		}

		order, err := FindOrCreateOrder(ctx, tx, &NewOrder{
			ClientId:    client.ID,
			OrderNumber: first.OrderNumber,
			OrderDate:   first.OrderDate,
		})
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("order %q: %v", first.OrderNumber, err)
		}
		if !knownOrders[order.ID] {
			knownOrders[order.ID] = true
			summary.Orders++
		}

		input := NewDelivery{
			OrderId:      order.ID,
			AddressId:    address.ID,
			DeliveryDate: first.DeliveryDate,
			DeliveryType: first.DeliveryType,
			Notes:        first.Notes,
		}
		for _, importRow := range group {
			input.Items = append(input.Items, NewDeliveryItemInput{
				ProductName: importRow.ProductName,
				Quantity:    importRow.Quantity,
			})
		}
		if _, err := CreateDeliveryInTx(ctx, tx, &input); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("delivery for order %q on %s: %v", key.OrderNumber, key.Date, err)
		}
		summary.Deliveries++
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &summary, nil
}
