package vetsuccess

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"

	"github.com/VetIntegrations/devourer/core/fetch"
)

// Source adapts a table descriptor and a pgxpool.Pool into the
// core/fetch.RowSource / TimestampSource interfaces, matching
// TimestampedTableFetcher / ChecksumTableFether's direct cursor use in
// the Python original.
type Source struct {
	pool  *pgxpool.Pool
	table TableDescriptor
	// sqlOverride replaces TableDescriptor.SQL for tables whose query
	// isn't the plain "SELECT * ... ORDER BY" template (patients,
	// client_patient_relationships).
	sqlOverride string
}

// NewSource returns a Source for table over pool.
func NewSource(pool *pgxpool.Pool, table TableDescriptor) *Source {
	return &Source{pool: pool, table: table}
}

// NewSourceWithSQL returns a Source using sql in place of
// TableDescriptor.SQL/SQLSince, for tables with a non-standard query
// shape (patients, client_patient_relationships).
func NewSourceWithSQL(pool *pgxpool.Pool, table TableDescriptor, sql string) *Source {
	return &Source{pool: pool, table: table, sqlOverride: sql}
}

func (s *Source) FetchPage(ctx context.Context, offset, limit int) (fetch.Page, error) {
	sql := s.sqlOverride
	if sql == "" {
		sql = s.table.SQL()
	}
	rows, err := s.pool.Query(ctx, sql+" LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return fetch.Page{}, errors.Annotatef(err, "querying table %q", s.table.Name)
	}
	defer rows.Close()
	return collectPage(rows)
}

func (s *Source) FetchPageSince(ctx context.Context, since time.Time, offset, limit int) (fetch.Page, error) {
	sql := s.sqlOverride
	if sql == "" {
		sql = s.table.SQLSince()
	}
	rows, err := s.pool.Query(ctx, sql+" LIMIT $2 OFFSET $3", since, limit, offset)
	if err != nil {
		return fetch.Page{}, errors.Annotatef(err, "querying table %q since %s", s.table.Name, since)
	}
	defer rows.Close()
	return collectPage(rows)
}

func collectPage(rows pgx.Rows) (fetch.Page, error) {
	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}

	page := fetch.Page{ColumnOrder: names}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fetch.Page{}, errors.Annotate(err, "scanning row")
		}
		row := make(fetch.Row, len(names))
		for i, name := range names {
			row[name] = values[i]
		}
		page.Rows = append(page.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return fetch.Page{}, errors.Annotate(err, "iterating rows")
	}
	return page, nil
}

// CodeTagSource adapts a pgxpool.Pool into core/additional's
// CodeTagSource interface, matching
// CodeAdditionalDataFetcher.fetch_code_tags's two queries.
type CodeTagSource struct {
	pool *pgxpool.Pool
}

// NewCodeTagSource returns a CodeTagSource over pool.
func NewCodeTagSource(pool *pgxpool.Pool) *CodeTagSource {
	return &CodeTagSource{pool: pool}
}

func (s *CodeTagSource) CodeTagsForCode(ctx context.Context, pmsCodeVetsuccessID string) ([]fetch.Row, error) {
	rows, err := s.pool.Query(ctx, CodeTagsSQL(pmsCodeVetsuccessID))
	if err != nil {
		return nil, errors.Annotate(err, "querying code tags")
	}
	defer rows.Close()
	page, err := collectPage(rows)
	if err != nil {
		return nil, err
	}
	return page.Rows, nil
}

func (s *CodeTagSource) CodeTagsByIDs(ctx context.Context, ids []string) ([]fetch.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, CodeTagsByIDsSQL(ids))
	if err != nil {
		return nil, errors.Annotate(err, "querying ancestor code tags")
	}
	defer rows.Close()
	page, err := collectPage(rows)
	if err != nil {
		return nil, err
	}
	return page.Rows, nil
}

// RevenueCategorySource adapts a pgxpool.Pool into core/additional's
// RevenueCategorySource interface.
type RevenueCategorySource struct {
	pool *pgxpool.Pool
}

// NewRevenueCategorySource returns a RevenueCategorySource over pool.
func NewRevenueCategorySource(pool *pgxpool.Pool) *RevenueCategorySource {
	return &RevenueCategorySource{pool: pool}
}

func (s *RevenueCategorySource) RevenueCategoryBy(ctx context.Context, field string, id int64) (fetch.Row, bool, error) {
	rows, err := s.pool.Query(ctx, RevenueCategorySQL(field), id)
	if err != nil {
		return nil, false, errors.Annotatef(err, "querying revenue category via %q", field)
	}
	defer rows.Close()
	page, err := collectPage(rows)
	if err != nil {
		return nil, false, err
	}
	if len(page.Rows) == 0 {
		return nil, false, nil
	}
	return page.Rows[0], true, nil
}
