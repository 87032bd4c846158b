// Package vetsuccess implements the VetSuccess datasource: table
// descriptors and SQL templates grounded in
// devourer/datasources/vetsuccess/tables.py, and a pgxpool-backed
// RowSource/TimestampSource pair implementing core/fetch's interfaces.
package vetsuccess

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// TableDescriptor mirrors TableConfig: a table is keyed either by a
// timestamp column (incremental replay, spec §4.2) or a checksum
// column (full-scan diff, spec §4.1), never both.
type TableDescriptor struct {
	Name            string
	TimestampColumn string
	ChecksumColumn  string
	OrderBy         string

	// Additional names the additional-data fetcher registered for this
	// table (spec §4.5), empty if none.
	Additional string
}

// IsTimestamped reports whether this table uses the watermark strategy.
func (t TableDescriptor) IsTimestamped() bool { return t.TimestampColumn != "" }

func (t TableDescriptor) orderBy() string {
	if t.OrderBy != "" {
		return t.OrderBy
	}
	return "id"
}

// Validate mirrors ImproperTableConfig: a table must declare exactly
// one of TimestampColumn/ChecksumColumn.
func (t TableDescriptor) Validate() error {
	if t.TimestampColumn == "" && t.ChecksumColumn == "" {
		return errors.Errorf("table %q must set a timestamp or checksum column", t.Name)
	}
	if t.TimestampColumn != "" && t.ChecksumColumn != "" {
		return errors.Errorf("table %q must not set both a timestamp and a checksum column", t.Name)
	}
	return nil
}

// SQL returns the base SELECT this table fetches from, excluding
// pagination (LIMIT/OFFSET are applied by the caller) and, for
// timestamped tables, excluding the ">= since" predicate (applied by
// the RowSource per spec §4.2's replay semantics).
func (t TableDescriptor) SQL() string {
	return fmt.Sprintf("SELECT * FROM external.%s ORDER BY %s", t.Name, t.orderBy())
}

// SQLSince returns the timestamp-bounded SELECT for a TimestampColumn
// table, matching TableConfig.get_sql's "%(timestamp)s" template.
func (t TableDescriptor) SQLSince() string {
	return fmt.Sprintf(
		"SELECT * FROM external.%s WHERE %s >= $1::timestamp ORDER BY %s",
		t.Name, t.TimestampColumn, t.orderBy(),
	)
}

// PatientTable returns the descriptor for the "patients" table, whose
// query additionally joins client_patient_relationships to surface the
// primary owner's id, matching PatientTableConfig.get_sql.
func PatientTable(orderBy string) TableDescriptor {
	return TableDescriptor{Name: "patients", ChecksumColumn: "vetsuccess_id", OrderBy: orderBy}
}

// PatientSQL overrides TableDescriptor.SQL for the patients table.
func PatientSQL(orderBy string) string {
	if orderBy == "" {
		orderBy = "id"
	}
	return strings.TrimSpace(fmt.Sprintf(`
		SELECT DISTINCT patients.vetsuccess_id, rel.client_vetsuccess_id, patients.*
		FROM external.patients
		INNER JOIN external.client_patient_relationships AS rel
		  ON rel.patient_vetsuccess_id = patients.vetsuccess_id AND rel.is_primary = 'true'
		ORDER BY %s
	`, orderBy))
}

// PatientCoOwnerSQL overrides TableDescriptor.SQL for
// client_patient_relationships, matching PatientCoOwnerTableConfig.
func PatientCoOwnerSQL(orderBy string) string {
	if orderBy == "" {
		orderBy = "id"
	}
	return strings.TrimSpace(fmt.Sprintf(`
		SELECT client_patient_relationships.*
		FROM external.client_patient_relationships
		WHERE is_primary = 'false'
		ORDER BY %s
	`, orderBy))
}

// CodeTagsSQL matches CodeTableConfig.get_code_tags_sql: the code_tags
// directly mapped to a pms code.
func CodeTagsSQL(pmsCodeVetsuccessID string) string {
	return fmt.Sprintf(`
		SELECT code_tags.*, code_tag_mappings.pms_code_vetsuccess_id, code_tag_mappings.practice_id
		FROM external.code_tags
		LEFT OUTER JOIN external.code_tag_mappings ON code_tag_mappings.code_tag_id = code_tags.id
		WHERE code_tag_mappings.pms_code_vetsuccess_id = '%s'`, escapeLiteral(pmsCodeVetsuccessID))
}

// CodeTagsByIDsSQL matches CodeTableConfig.get_related_code_tags_sql.
func CodeTagsByIDsSQL(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = escapeLiteral(id)
	}
	return fmt.Sprintf(`
		SELECT code_tags.*, code_tag_mappings.pms_code_vetsuccess_id, code_tag_mappings.practice_id
		FROM external.code_tags
		LEFT OUTER JOIN external.code_tag_mappings ON code_tag_mappings.code_tag_id = code_tags.id
		WHERE code_tags.id = ANY(ARRAY[%s])`, strings.Join(quoted, ", "))
}

// RevenueCategorySQL matches CodeTableConfig.get_revenue_category_sql.
// field is restricted to the fixed probe-field allowlist by the caller
// (core/additional), never taken from user input.
func RevenueCategorySQL(field string) string {
	return fmt.Sprintf("SELECT * FROM external.revenue_categories_hierarchy WHERE %s = $1", field)
}

// escapeLiteral guards the id-interpolating SQL templates above
// (mirroring the original's unparameterized string formatting) against
// a stray quote breaking out of the literal; ids are expected to be
// driver-returned identifiers, never raw user input.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
