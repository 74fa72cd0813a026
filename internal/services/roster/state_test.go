package roster

import (
	"testing"

	"github.com/partyroster/be/pkg/repositories/party"
)

func TestStateOf(t *testing.T) {
	cases := []struct {
		name         string
		p            party.Party
		want         State
		mutable      bool
		acceptsJoins bool
	}{
		{"open", party.Party{}, StateOpen, true, true},
		{"closed", party.Party{Closed: true}, StateClosed, true, false},
		{"expired", party.Party{Expired: true}, StateExpired, false, false},
		// expiry wins over the closed flag
		{"closed then expired", party.Party{Closed: true, Expired: true}, StateExpired, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := StateOf(&tc.p)
			if got != tc.want {
				t.Fatalf("state = %s, want %s", got, tc.want)
			}
			if got.Mutable() != tc.mutable {
				t.Errorf("mutable = %v, want %v", got.Mutable(), tc.mutable)
			}
			if got.AcceptsJoins() != tc.acceptsJoins {
				t.Errorf("accepts joins = %v, want %v", got.AcceptsJoins(), tc.acceptsJoins)
			}
		})
	}
}
