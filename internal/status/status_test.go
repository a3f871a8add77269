package status

import "testing"

func TestStringRoundTrip(t *testing.T) {
	cases := map[Status]string{
		SUCC:   "SUCC",
		FAIL:   "FAIL",
		IGNORE: "IGNORE",
		FATAL:  "FATAL",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Fatalf("status %d: expected %q, got %q", st, want, got)
		}
	}
	if got := Status(99).String(); got != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN for unrecognized status, got %q", got)
	}
}
