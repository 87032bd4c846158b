// Package bitwerx implements the Bitwerx line-item datasource (spec §5
// supplemented feature), grounded in
// devourer/datasources/bitwerx/api.py: request an async export,
// poll until Bitwerx reports it complete, download and decompress the
// result, validate every line item, and publish.
package bitwerx

import (
	"github.com/juju/errors"

	"github.com/VetIntegrations/devourer/core/devourererrors"
)

// requiredLineItemFields mirrors validate_line_item's jsonschema
// "required" list; Bitwerx's schema only ever exercised required-field
// presence and coarse types in practice (the optional mapping/taxonomy
// branches were commented out in the retrieved schema), so that is what
// this validator checks.
var requiredLineItemFields = []string{
	"lineItemId",
	"isDeleted",
	"updated",
	"created",
	"clientId",
	"patientId",
	"transactionDate",
	"description",
	"quantity",
	"lineAmount",
	"isVoided",
	"invoiceId",
}

// booleanLineItemFields are the two fields validate_line_item's schema
// types as "boolean"; every other required field is typed "string".
var booleanLineItemFields = map[string]bool{
	"isDeleted": true,
	"isVoided":  true,
}

// ValidateLineItem reports whether item carries every field
// validate_line_item requires, with the schema-declared type. A
// validation failure aborts the whole batch (spec §7's ErrValidation
// contract): Bitwerx sends "all or nothing" batches, so one bad record
// poisons the run rather than being skipped.
func ValidateLineItem(item map[string]any) error {
	for _, field := range requiredLineItemFields {
		v, ok := item[field]
		if !ok {
			return errors.Annotatef(devourererrors.ErrValidation, "line item missing required field %q", field)
		}
		if booleanLineItemFields[field] {
			if _, ok := v.(bool); !ok {
				return errors.Annotatef(devourererrors.ErrValidation, "line item field %q: want bool, got %T", field, v)
			}
			continue
		}
		if _, ok := v.(string); !ok {
			return errors.Annotatef(devourererrors.ErrValidation, "line item field %q: want string, got %T", field, v)
		}
	}
	return nil
}
