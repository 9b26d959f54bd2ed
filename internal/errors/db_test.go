package errors

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapDBError_NilError(t *testing.T) {
	err := MapDBError(nil)
	if err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_ContextErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			wantCode: ErrCodeTimeout,
		},
		{
			name:     "canceled",
			err:      context.Canceled,
			wantCode: ErrCodeCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			if GetCode(err) != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", GetCode(err), tt.wantCode)
			}
		})
	}
}

func TestMapDBError_NoRows(t *testing.T) {
	if err := MapDBError(pgx.ErrNoRows); !IsNotFound(err) {
		t.Errorf("MapDBError(pgx.ErrNoRows) should be NotFound, got %v", GetCode(err))
	}
	if err := MapDBError(sql.ErrNoRows); !IsNotFound(err) {
		t.Errorf("MapDBError(sql.ErrNoRows) should be NotFound, got %v", GetCode(err))
	}
}

func TestMapDBError_UniqueViolation(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantField string
	}{
		{
			name: "unique violation with column name",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "render_jobs_pkey",
				ColumnName:     "id",
			},
			wantField: "id",
		},
		{
			name: "unique violation with Detail message",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "render_jobs_pkey",
				Detail:         `Key (id)=(a1b2c3) already exists.`,
			},
			wantField: "id", // extracted from Detail
		},
		{
			name: "unique violation with multi-column Detail",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "render_jobs_template_data_hash_key",
				Detail:         `Key (template, data_hash)=(chip_count.aep, abc123) already exists.`,
			},
			wantField: "template, data_hash", // extracted from Detail
		},
		{
			name: "unique violation without column name",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "render_jobs_id_key",
			},
			wantField: "id", // inferred from constraint name
		},
		{
			name: "unique violation with ambiguous constraint",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "render_jobs_template_data_hash_key",
			},
			wantField: "", // cannot infer from multi-column constraint
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsConflict(err) {
				t.Errorf("MapDBError() should be Conflict, got %v", GetCode(err))
			}
			if field := GetField(err); field != tt.wantField {
				t.Errorf("MapDBError() field = %v, want %v", field, tt.wantField)
			}
		})
	}
}

func TestMapDBError_ForeignKeyViolation(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:           pgerrcode.ForeignKeyViolation,
		ConstraintName: "render_jobs_parent_id_fkey",
	}
	err := MapDBError(pgErr)
	if !IsForeignKey(err) {
		t.Errorf("MapDBError() should be ForeignKey, got %v", GetCode(err))
	}
	var appErr *AppError
	if errors.As(err, &appErr) && !strings.Contains(strings.ToLower(appErr.Message), "referenced") {
		t.Errorf("MapDBError() message = %q, want to mention the reference", appErr.Message)
	}
}

func TestMapDBError_NotNullViolation(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantField string
	}{
		{
			name: "not null violation with column name",
			pgErr: &pgconn.PgError{
				Code:       pgerrcode.NotNullViolation,
				ColumnName: "template",
			},
			wantField: "template",
		},
		{
			name: "not null violation without column name",
			pgErr: &pgconn.PgError{
				Code: pgerrcode.NotNullViolation,
			},
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsValidation(err) {
				t.Errorf("MapDBError() should be Validation, got %v", GetCode(err))
			}
			if field := GetField(err); field != tt.wantField {
				t.Errorf("MapDBError() field = %v, want %v", field, tt.wantField)
			}
		})
	}
}

func TestMapDBError_CheckViolation(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantField string
	}{
		{
			name: "check violation with column name",
			pgErr: &pgconn.PgError{
				Code:       pgerrcode.CheckViolation,
				ColumnName: "progress",
			},
			wantField: "progress",
		},
		{
			name: "check violation inferred from constraint",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.CheckViolation,
				ConstraintName: "render_jobs_progress_check",
			},
			wantField: "progress",
		},
		{
			name: "check violation without column name",
			pgErr: &pgconn.PgError{
				Code: pgerrcode.CheckViolation,
			},
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsValidation(err) {
				t.Errorf("MapDBError() should be Validation, got %v", GetCode(err))
			}
			if field := GetField(err); field != tt.wantField {
				t.Errorf("MapDBError() field = %v, want %v", field, tt.wantField)
			}
		})
	}
}

func TestMapDBError_UnknownPgError(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:    "99999", // unknown error code
		Message: "unknown error",
	}
	err := MapDBError(pgErr)
	if !IsInternal(err) {
		t.Errorf("MapDBError() should be Internal for unknown pg error, got %v", GetCode(err))
	}
}

func TestMapDBError_StandardError(t *testing.T) {
	stdErr := errors.New("standard error")
	err := MapDBError(stdErr)
	if !errors.Is(err, stdErr) {
		t.Errorf("MapDBError() should return original error for non-db errors, got %v", err)
	}
}

func TestInferFieldFromConstraint(t *testing.T) {
	tests := []struct {
		name           string
		constraintName string
		want           string
	}{
		{
			name:           "simple unique constraint",
			constraintName: "render_jobs_id_key",
			want:           "id",
		},
		{
			name:           "unique constraint with unique suffix",
			constraintName: "render_jobs_owner_unique",
			want:           "owner",
		},
		{
			name:           "check constraint",
			constraintName: "render_jobs_priority_check",
			want:           "priority",
		},
		{
			name:           "multi-segment field is ambiguous",
			constraintName: "render_jobs_render_type_check",
			want:           "",
		},
		{
			name:           "expression index",
			constraintName: "render_jobs_lower_key",
			want:           "", // function name, not field
		},
		{
			name:           "foreign table constraint",
			constraintName: "other_table_name_key",
			want:           "",
		},
		{
			name:           "empty constraint name",
			constraintName: "",
			want:           "",
		},
		{
			name:           "no recognized suffix",
			constraintName: "render_jobs_pkey",
			want:           "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferFieldFromConstraint(tt.constraintName); got != tt.want {
				t.Errorf("inferFieldFromConstraint() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFunctionName(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want bool
	}{
		{name: "lower", s: "lower", want: true},
		{name: "upper", s: "upper", want: true},
		{name: "LOWER (uppercase)", s: "LOWER", want: true},
		{name: "not a function", s: "owner", want: false},
		{name: "empty", s: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isFunctionName(tt.s); got != tt.want {
				t.Errorf("isFunctionName() = %v, want %v", got, tt.want)
			}
		})
	}
}
