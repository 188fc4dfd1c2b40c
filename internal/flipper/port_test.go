package flipper

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func listerOf(ports ...*enumerator.PortDetails) PortLister {
	return func() ([]*enumerator.PortDetails, error) {
		return ports, nil
	}
}

func flipperPort(name string) *enumerator.PortDetails {
	return &enumerator.PortDetails{Name: name, IsUSB: true, VID: "0483", PID: "5740"}
}

func TestResolvePort(t *testing.T) {
	other := &enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60"}
	notUSB := &enumerator.PortDetails{Name: "/dev/ttyS0"}

	tests := []struct {
		name       string
		identifier string
		lister     PortLister
		want       string
	}{
		{
			name:       "explicit port is passed through",
			identifier: "/dev/ttyACM3",
			lister: func() ([]*enumerator.PortDetails, error) {
				t.Fatal("lister must not be called for an explicit port")
				return nil, nil
			},
			want: "/dev/ttyACM3",
		},
		{name: "single device", identifier: AutoPort, lister: listerOf(other, flipperPort("/dev/ttyACM0"), notUSB), want: "/dev/ttyACM0"},
		{name: "no device", identifier: AutoPort, lister: listerOf(other, notUSB), want: ""},
		{name: "two devices", identifier: AutoPort, lister: listerOf(flipperPort("/dev/ttyACM0"), flipperPort("/dev/ttyACM1")), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPortResolverWithLister(tt.lister, testLogger())
			got, err := r.ResolvePort(tt.identifier)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolvePort_EnumerationError(t *testing.T) {
	boom := errors.New("boom")
	r := NewPortResolverWithLister(func() ([]*enumerator.PortDetails, error) { return nil, boom }, testLogger())

	got, err := r.ResolvePort(AutoPort)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, got)
}
