package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestPublish(t *testing.T) {
	session := &mockSession{}
	dialer := &mockDialer{session: session}

	if err := NewPublisher(dialer, "/ext/infrared", "_IR_", testLogger()).Publish(context.Background(), "/dev/ttyACM0"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(session.sends) != 1 || !session.sends[0].force {
		t.Errorf("expected one forced send, got %v", session.sends)
	}
	if session.closes != 1 {
		t.Errorf("session closed %d times, want 1", session.closes)
	}
}

func TestPublish_CloseError(t *testing.T) {
	closeErr := errors.New("port vanished")
	session := &mockSession{closeErr: closeErr}

	err := NewPublisher(&mockDialer{session: session}, "/ext/infrared", "_IR_", testLogger()).Publish(context.Background(), "/dev/ttyACM0")
	if !errors.Is(err, closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
}

func TestPublish_SendAndCloseErrors(t *testing.T) {
	sendErr := errors.New("write failed")
	closeErr := errors.New("port vanished")
	session := &mockSession{sendErr: sendErr, closeErr: closeErr}

	err := NewPublisher(&mockDialer{session: session}, "/ext/infrared", "_IR_", testLogger()).Publish(context.Background(), "/dev/ttyACM0")
	if !errors.Is(err, sendErr) || !errors.Is(err, closeErr) {
		t.Fatalf("expected both errors, got %v", err)
	}
	if !strings.Contains(err.Error(), "/ext/infrared") {
		t.Errorf("error should name the destination: %v", err)
	}
}

func TestPublish_ConnectFailureSkipsClose(t *testing.T) {
	dialErr := errors.New("permission denied")
	dialer := &mockDialer{err: dialErr}

	err := NewPublisher(dialer, "/ext/infrared", "_IR_", testLogger()).Publish(context.Background(), "/dev/ttyACM0")
	if !errors.Is(err, ErrConnect) || !errors.Is(err, dialErr) {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func TestDialerFunc(t *testing.T) {
	want := &mockSession{}
	var gotPort string
	d := DialerFunc(func(_ context.Context, port string) (Session, error) {
		gotPort = port
		return want, nil
	})

	s, err := d.Open(context.Background(), "COM4")
	if err != nil {
		t.Fatal(err)
	}
	if s != Session(want) || gotPort != "COM4" {
		t.Errorf("DialerFunc did not forward the call")
	}
}
