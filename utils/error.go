package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorDuplicateDelivery is surfaced when the live-delivery uniqueness
// constraint rejects a concurrent create for the same order+address+date.
var ErrorDuplicateDelivery = errors.New("duplicate delivery for order, address and date")
