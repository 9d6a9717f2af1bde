package dispatcher

import "testing"

func TestParseMemoryLimit(t *testing.T) {
	cases := []struct {
		in        string
		wantBytes int64
		wantOK    bool
	}{
		{"1g", 1024 * 1024 * 1024, true},
		{"512m", 512 * 1024 * 1024, true},
		{"1024", 1024, true},
		{"2GB", 2 * 1024 * 1024 * 1024, true},
		{"3t", 3 * 1024 * 1024 * 1024 * 1024, true},
		{"", 0, false},
		{"abc", 0, false},
		{"-5m", 0, false},
		{"5x", 0, false},
	}

	for _, c := range cases {
		gotBytes, gotOK := ParseMemoryLimit(c.in)
		if gotOK != c.wantOK || gotBytes != c.wantBytes {
			t.Errorf("ParseMemoryLimit(%q) = (%d, %v), want (%d, %v)", c.in, gotBytes, gotOK, c.wantBytes, c.wantOK)
		}
	}
}
