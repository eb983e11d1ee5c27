package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewClient_Identity(t *testing.T) {
	clock := newFakeClock()
	c := NewClient(&testTransport{}, "10.0.0.1", clock)

	if err := uuid.Validate(c.ID); err != nil {
		t.Fatalf("client id %q is not a uuid: %v", c.ID, err)
	}
	if !strings.HasPrefix(c.Color, "hsl(") {
		t.Fatalf("client color = %q, want hsl() string", c.Color)
	}
	if !c.FirstSeen.Equal(clock.Now()) || !c.LastSeen.Equal(clock.Now()) {
		t.Fatal("firstSeen/lastSeen not initialized from clock")
	}
	if c.RemoteAddress != "10.0.0.1" {
		t.Fatalf("remoteAddress = %q", c.RemoteAddress)
	}
	if c.NetworkName != "" {
		t.Fatalf("new client already in group %q", c.NetworkName)
	}
}

func TestClient_TouchIsMonotonic(t *testing.T) {
	clock := newFakeClock()
	c := NewClient(&testTransport{}, "10.0.0.1", clock)

	seen := c.LastSeen
	c.Touch(seen.Add(-time.Minute))
	if !c.LastSeen.Equal(seen) {
		t.Fatal("Touch moved lastSeen backwards")
	}

	later := seen.Add(time.Second)
	c.Touch(later)
	if !c.LastSeen.Equal(later) {
		t.Fatal("Touch did not advance lastSeen")
	}
}

func TestClient_SetNetworkNameTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		affected []string
	}{
		{"unset to joined", "", "TEAM", []string{"TEAM"}},
		{"joined to new group", "TEAM", "HOME", []string{"TEAM", "HOME"}},
		{"joined to unset", "TEAM", "", []string{"TEAM"}},
		{"same group rejoin", "TEAM", "TEAM", []string{"TEAM"}},
		{"unset to unset", "", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(&testTransport{}, "10.0.0.1", newFakeClock())
			c.NetworkName = tt.from

			got := c.setNetworkName(tt.to)
			if len(got) != len(tt.affected) {
				t.Fatalf("affected groups = %v, want %v", got, tt.affected)
			}
			for i := range got {
				if got[i] != tt.affected[i] {
					t.Fatalf("affected groups = %v, want %v", got, tt.affected)
				}
			}
			if c.NetworkName != tt.to {
				t.Fatalf("networkName = %q, want %q", c.NetworkName, tt.to)
			}
		})
	}
}
