package track

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{name: "nil", err: nil, want: StatusSuccess},
		{name: "not found", err: ErrNotFound, want: StatusNotFound},
		{name: "wrapped not found", err: fmt.Errorf("job: %w", ErrNotFound), want: StatusNotFound},
		{name: "busy", err: ErrBusy, want: StatusBusy},
		{name: "deadline", err: context.DeadlineExceeded, want: StatusTimeout},
		{name: "canceled", err: context.Canceled, want: StatusTransient},
		{name: "marked transient", err: Transient(errors.New("econnreset")), want: StatusTransient},
		{name: "wrapped transient", err: fmt.Errorf("track: %w", Transient(errors.New("x"))), want: StatusTransient},
		{name: "net error", err: &net.DNSError{Err: "no such host", IsTemporary: true}, want: StatusTransient},
		{name: "unknown", err: errors.New("selector #result not found in DOM"), want: StatusFatal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransientNilPassthrough(t *testing.T) {
	t.Parallel()
	if Transient(nil) != nil {
		t.Fatal("Transient(nil) must stay nil")
	}
}
