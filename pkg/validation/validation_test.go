package validation

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := []struct{ in, want string }{
		{"+55 (11) 99999-9999", "5511999999999"},
		{"5511999999999@s.whatsapp.net", "5511999999999"},
		{"5511999999999:12@s.whatsapp.net", "5511999999999"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidatePhone(t *testing.T) {
	for _, ok := range []string{"5511999999999", "+5511999999999", "5511999999999@c.us"} {
		if err := ValidatePhone(ok); err != nil {
			t.Errorf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "011999", "123", "abc"} {
		if err := ValidatePhone(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestValidateRelayURL(t *testing.T) {
	if err := ValidateRelayURL("https://hooks.example.com/wa"); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"http://hooks.example.com", "https://127.0.0.1/x", "https://10.1.2.3", "https://localhost:8443"} {
		if err := ValidateRelayURL(bad); err == nil {
			t.Errorf("%q: expected rejection", bad)
		}
	}
}

func TestValidateInstanceName(t *testing.T) {
	if err := ValidateInstanceName("tenant-42"); err != nil {
		t.Fatal(err)
	}
	if err := ValidateInstanceName("bad name"); err == nil {
		t.Fatal("expected rejection of whitespace")
	}
}
