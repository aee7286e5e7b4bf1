package netdicom

import (
	"net"
	"testing"
	"time"

	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/dimse"
	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/sopclass"
)

// startFaultInjectedProvider accepts one connection and runs it under a
// provider-side fault injector, mirroring fuzztest/fuzz.go's startServer.
func startFaultInjectedProvider(t *testing.T, faults *FaultInjector) string {
	t.Helper()
	SetProviderFaultInjector(faults)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		RunProviderForConn(conn, ServiceProviderParams{
			AETitle: "FAULTTEST",
			CEcho: func(callingAETitle string) dimse.Status {
				return dimse.Status{Status: dimse.StatusSuccess}
			},
		})
	}()
	return listener.Addr().String()
}

// TestCEchoSurvivesEmptyFaultInjector exercises the fault-injection hooks
// statemachine.go consults on every send (getUserFaultInjector,
// getProviderFaultInjector): an injector with no fuzz bytes must be a no-op,
// so a plain C-ECHO still completes end to end.
func TestCEchoSurvivesEmptyFaultInjector(t *testing.T) {
	addr := startFaultInjectedProvider(t, NewFuzzFaultInjector(nil))
	SetUserFaultInjector(NewFuzzFaultInjector(nil))
	t.Cleanup(func() {
		SetUserFaultInjector(nil)
		SetProviderFaultInjector(nil)
	})

	params, err := NewServiceUserParams("FAULTTEST", "FAULTCLIENT", sopclass.VerificationClasses, nil)
	if err != nil {
		t.Fatalf("NewServiceUserParams: %v", err)
	}
	user := NewServiceUser(addr, params)
	defer user.Release()

	done := make(chan error, 1)
	go func() { done <- user.CEcho() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("CEcho failed under a no-op fault injector: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CEcho timed out")
	}
}

// TestFaultInjectorDisconnectsOnHighByte confirms onSend's disconnect branch
// fires for fuzz bytes at or above the configured threshold, the same
// mutation-vs-disconnect split fuzztest/fuzz.go relies on.
func TestFaultInjectorDisconnectsOnHighByte(t *testing.T) {
	f := NewFuzzFaultInjector([]byte{0xff})
	if action := f.onSend([]byte{0x00}); action != faultInjectorDisconnect {
		t.Errorf("onSend with fuzz byte 0xff = %v, want disconnect", action)
	}
}

// TestFaultInjectorMutatesOnMidRangeByte confirms the mutate branch flips a
// byte in the outgoing payload rather than disconnecting.
func TestFaultInjectorMutatesOnMidRangeByte(t *testing.T) {
	f := NewFuzzFaultInjector([]byte{0xc5, 0x12, 0x34, 0x2a})
	data := []byte{0x00}
	if action := f.onSend(data); action != faultInjectorContinue {
		t.Errorf("onSend with fuzz byte 0xc5 = %v, want continue", action)
	}
	if data[0] != 0x2a {
		t.Errorf("onSend did not mutate the payload byte, got %#x", data[0])
	}
}
