package checkpoint

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestWrapIsAndAs(t *testing.T) {
	sentinel := errors.New("sentinel")
	wrapped := Wrap(sentinel, errors.New("extra context"))
	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to find sentinel through the checkpoint chain")
	}
}

func TestFromPassesThroughEOF(t *testing.T) {
	// io.EOF and io.ErrUnexpectedEOF must never get wrapped (see comment on From).
	if got := From(io.EOF); got != io.EOF {
		t.Fatalf("From(io.EOF) = %v, want io.EOF", got)
	}
	if got := From(nil); got != nil {
		t.Fatalf("From(nil) = %v, want nil", got)
	}
}

func TestChainOrdersOutermostLast(t *testing.T) {
	inner := Wrap(errors.New("root cause"), errors.New("first checkpoint"))
	outer := Wrap(inner, errors.New("second checkpoint"))

	chain := Chain(outer)
	if len(chain) != 2 {
		t.Fatalf("Chain returned %d entries, want 2: %v", len(chain), chain)
	}
	if chain[0] == chain[1] {
		t.Fatalf("Chain entries should describe distinct checkpoints: %v", chain)
	}
	if !strings.HasSuffix(chain[1], "second checkpoint") {
		t.Errorf("Chain should list the outermost checkpoint last: %v", chain)
	}
}

func TestChainOnNonCheckpointError(t *testing.T) {
	if chain := Chain(errors.New("plain")); chain != nil {
		t.Fatalf("Chain on a non-checkpoint error should be empty, got %v", chain)
	}
}
