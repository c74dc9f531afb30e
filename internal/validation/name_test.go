package validation

import "testing"

func TestIsValidAddressName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"goodname", true},
		{"good_name", true},
		{"good.name", true},
		{"good-name", true},
		{"goodname1", true},
		{"yesnameisverygoodandunderlimit", true},
		{"", false},
		{"n", false},
		{"no!", false},
		{"BADNAME", false},
		{"bad name", false},
		{"bad&name", false},
		{"thisisoverthe30characternamelimit", false},
	}

	for _, tt := range tests {
		if got := IsValidAddressName(tt.name); got != tt.valid {
			t.Errorf("IsValidAddressName(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}

func TestIsValidPubkey(t *testing.T) {
	valid := "552a9d06810f306bfc085cb1e1c26102554138a51fa3a7fdf98f5b03a945143a"
	if !IsValidPubkey(valid) {
		t.Errorf("IsValidPubkey(%q) = false, want true", valid)
	}

	for _, bad := range []string{"", "zz", "552a9d", "not-hex-at-all"} {
		if IsValidPubkey(bad) {
			t.Errorf("IsValidPubkey(%q) = true, want false", bad)
		}
	}
}
