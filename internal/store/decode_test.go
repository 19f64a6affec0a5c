package store

import (
	"errors"
	"testing"

	"github.com/nidhogg/hippocampus/internal/faults"
)

func TestDecodeColumnReportsCorruptRows(t *testing.T) {
	var members []string
	if err := decodeColumn("episode x members", []byte(`{"a": 1}`), &members); !errors.Is(err, faults.ErrStorage) {
		t.Fatalf("got %v, want ErrStorage", err)
	}
	if err := decodeColumn("episode x members", nil, &members); err != nil || members != nil {
		t.Errorf("empty column: %v %v", members, err)
	}
	if err := decodeColumn("episode x members", []byte(`["a","b"]`), &members); err != nil || len(members) != 2 {
		t.Errorf("valid column: %v %v", members, err)
	}
}
