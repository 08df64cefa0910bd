package storage

import (
	"errors"
	"testing"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a/b.txt", "a/b.txt", false},
		{"/a//b/", "a/b", false},
		{"./a/./b", "a/b", false},
		{"", "", false},
		{"/", "", false},
		{"a/../b", "", true},
		{"..", "", true},
		{"a\\b", "", true},
		{"a/b\x00c", "", true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CleanKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("CleanKey(%q) error = %v, want ErrInvalidKey", tt.in, err)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("CleanKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLeafName(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"a/b/c.txt", "c.txt"},
		{"c.txt", "c.txt"},
		{"a/b/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := (ObjectInfo{Key: tt.key}).LeafName(); got != tt.want {
			t.Errorf("LeafName(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
