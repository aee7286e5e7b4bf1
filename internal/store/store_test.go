package store

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestIsTrustedEmptyAllowlistTrustsEveryone(t *testing.T) {
	scp := New(Config{AETitle: "STATION", ListenIP: "0.0.0.0", Port: 104}, func(Received) error { return nil }, logrus.New())
	if !scp.isTrusted("ANYONE") {
		t.Error("an empty trusted-AE allowlist should trust every caller")
	}
}

func TestIsTrustedRejectsUnlistedAE(t *testing.T) {
	scp := New(Config{
		AETitle:                "STATION",
		ListenIP:               "0.0.0.0",
		Port:                   104,
		TrustedCallingAETitles: []string{"TR_SEND"},
	}, func(Received) error { return nil }, logrus.New())
	if scp.isTrusted("UNKNOWN") {
		t.Error("isTrusted should reject an AE not on the allowlist")
	}
	if !scp.isTrusted("TR_SEND") {
		t.Error("isTrusted should accept an AE on the allowlist")
	}
}

func TestModalityHint(t *testing.T) {
	cases := map[string]string{
		"1.2.840.10008.5.1.4.1.1.2":     "CT",
		"1.2.840.10008.5.1.4.1.1.481.2": "RTDOSE",
		"1.2.840.10008.5.1.4.1.1.481.3": "RTSTRUCT",
		"1.2.840.10008.5.1.4.1.1.481.5": "RTPLAN",
		"9.9.9.9":                       "OTHER",
	}
	for sopClassUID, want := range cases {
		if got := modalityHint(sopClassUID); got != want {
			t.Errorf("modalityHint(%q) = %q, want %q", sopClassUID, got, want)
		}
	}
}
