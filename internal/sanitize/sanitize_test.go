package sanitize

import "testing"

func TestComponent(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Doe^John", "Doe_John"},
		{"1.2.840:10008/5", "1.2.840-10008-5"},
		{"  spaced  ", "  spaced  "},
		{"a__b--c", "a_b_c"},
		{"___", ""},
	}
	for _, c := range cases {
		if got := Component(c.in); got != c.want {
			t.Errorf("Component(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestComponentIdempotent(t *testing.T) {
	inputs := []string{"Doe^John", "1.2.840:10008/5", "weird!@#$%^&*()name", ""}
	for _, s := range inputs {
		once := Component(s)
		twice := Component(once)
		if once != twice {
			t.Errorf("Component not idempotent for %q: %q != %q", s, once, twice)
		}
	}
}

func TestPatientNamePreservesCaret(t *testing.T) {
	got := PatientName("Doe^John^Middle")
	want := "Doe^John^Middle"
	if got != want {
		t.Errorf("PatientName(%q) = %q, want %q", "Doe^John^Middle", got, want)
	}
}

func TestForTag(t *testing.T) {
	if got := ForTag(0x0010, 0x0010, "Doe^John"); got != "Doe^John" {
		t.Errorf("ForTag(PatientName) = %q, want caret preserved", got)
	}
	if got := ForTag(0x0010, 0x0020, "P 42/x"); got != "P 42-x" {
		t.Errorf("ForTag(PatientID) = %q, want %q", got, "P 42-x")
	}
}
