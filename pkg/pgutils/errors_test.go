package pgutils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestHasErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			code: CodeUniqueViolation,
			want: false,
		},
		{
			name: "error contains code directly",
			err:  errors.New("ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)"),
			code: CodeUniqueViolation,
			want: true,
		},
		{
			name: "error contains SQLSTATE prefix",
			err:  errors.New("pq: SQLSTATE 23505 duplicate key"),
			code: CodeUniqueViolation,
			want: true,
		},
		{
			name: "error does not contain code",
			err:  errors.New("some other error"),
			code: CodeUniqueViolation,
			want: false,
		},
		{
			name: "different code in message",
			err:  errors.New("SQLSTATE 23503 foreign key violation"),
			code: CodeUniqueViolation,
			want: false,
		},
		{
			name: "pgconn error with matching code",
			err:  &pgconn.PgError{Code: "23505", Message: "duplicate key value"},
			code: CodeUniqueViolation,
			want: true,
		},
		{
			name: "wrapped pgconn error",
			err:  fmt.Errorf("append version row: %w", &pgconn.PgError{Code: "23505"}),
			code: CodeUniqueViolation,
			want: true,
		},
		{
			name: "pgconn error with different code",
			err:  &pgconn.PgError{Code: "23503"},
			code: CodeUniqueViolation,
			want: false,
		},
		{
			name: "pgconn error wins over message text",
			err:  &pgconn.PgError{Code: "23503", Message: "mentions 23505 in passing"},
			code: CodeUniqueViolation,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hasErrorCode(tt.err, tt.code)
			if got != tt.want {
				t.Errorf("hasErrorCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestViolationHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{
			name:  "unique violation",
			err:   errors.New("ERROR: duplicate key value (SQLSTATE 23505)"),
			check: IsUniqueViolation,
			want:  true,
		},
		{
			name:  "unique helper rejects foreign key code",
			err:   errors.New("SQLSTATE 23503"),
			check: IsUniqueViolation,
			want:  false,
		},
		{
			name:  "foreign key violation",
			err:   fmt.Errorf("pq: insert violates foreign key constraint \"attributions_fkey\" (SQLSTATE 23503)"),
			check: IsForeignKeyViolation,
			want:  true,
		},
		{
			name:  "not null violation",
			err:   errors.New("null value in column \"entity_id\" violates not-null constraint (SQLSTATE 23502)"),
			check: IsNotNullViolation,
			want:  true,
		},
		{
			name:  "check violation",
			err:   errors.New("new row violates check constraint \"node_versions_operation_check\" (SQLSTATE 23514)"),
			check: IsCheckViolation,
			want:  true,
		},
		{
			name:  "generic error matches nothing",
			err:   errors.New("connection refused"),
			check: IsUniqueViolation,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.check(tt.err)
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
