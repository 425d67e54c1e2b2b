// Package console_test exercises the terminal adapter. Standard input is
// not a terminal under `go test`, since it redirects the standard streams,
// so the test expects New to fail with ErrNoTTY.
package console_test

import (
	"errors"
	"os"
	"testing"

	"github.com/smoynes/rve/internal/console"
)

func TestNewRequiresTTY(t *testing.T) {
	_, err := console.New(os.Stdin, os.Stdout)
	if !errors.Is(err, console.ErrNoTTY) {
		t.Fatalf("want ErrNoTTY under go test, got: %v", err)
	}
}
