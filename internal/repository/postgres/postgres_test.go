package postgres

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/PragyanCoder/orbitec/internal/repository"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, repository.ErrNotFound},
		{"malformed uuid", &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}, repository.ErrNotFound},
		{"wrapped malformed uuid", fmt.Errorf("query: %w", &pgconn.PgError{Code: "22P02"}), repository.ErrNotFound},
		{"missing parent", &pgconn.PgError{Code: "23503"}, repository.ErrNotFound},
		{"subdomain", &pgconn.PgError{Code: "23505", ConstraintName: subdomainConstraint}, repository.ErrDuplicateSubdomain},
		{"running port", &pgconn.PgError{Code: "23505", ConstraintName: runningPortConstraint}, repository.ErrPortInUse},
		{"active deployment", &pgconn.PgError{Code: "23505", ConstraintName: activeDeploymentConstraint}, repository.ErrActiveDeployment},
	}
	for _, tc := range cases {
		if got := translate(tc.err); !errors.Is(got, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestTranslatePassesThroughOtherErrors(t *testing.T) {
	other := &pgconn.PgError{Code: "23505", ConstraintName: "some_other_key"}
	if got := translate(other); got != other {
		t.Fatalf("expected unknown constraint to pass through, got %v", got)
	}
	check := &pgconn.PgError{Code: "23514"}
	if got := translate(check); got != check {
		t.Fatalf("expected check violation to pass through, got %v", got)
	}
	if got := translate(io.ErrUnexpectedEOF); got != io.ErrUnexpectedEOF {
		t.Fatalf("expected driver error to pass through, got %v", got)
	}
}
