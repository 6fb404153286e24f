package registry

import "testing"

func TestValidateName(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"hello.txt", true},
		{"a", true},
		{"", false},
		{".", false},
		{"..", false},
		{".hidden", false},
		{"a/b", false},
		{"a\\b", false},
		{"a\x00b", false},
		{"a\nb", false},
		{string(make([]byte, 256)), false},
	}

	for _, c := range cases {
		err := ValidateName(c.name)
		if c.valid && err != nil {
			t.Errorf("ValidateName(%q): expected valid, got %v", c.name, err)
		}
		if !c.valid && err == nil {
			t.Errorf("ValidateName(%q): expected invalid, got nil", c.name)
		}
	}
}
