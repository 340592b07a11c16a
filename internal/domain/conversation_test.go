package domain

import "testing"

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"+55 11 99999-0000":            "5511999990000",
		"5511999990000@s.whatsapp.net": "5511999990000",
		"5511999990000":                "5511999990000",
		"(11) 3333-4444":               "1133334444",
		"abc":                          "",
		"":                             "",
	}
	for in, want := range cases {
		if got := NormalizeAddress(in); got != want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIntentValid(t *testing.T) {
	for _, it := range []Intent{IntentSchedule, IntentCancel, IntentReschedule, IntentRequestHuman, IntentInquiry, IntentOther} {
		if !it.Valid() {
			t.Errorf("%s should be valid", it)
		}
	}
	if Intent("make_coffee").Valid() {
		t.Error("unknown intent should be invalid")
	}
	if Intent("").Valid() {
		t.Error("empty intent should be invalid")
	}
}
