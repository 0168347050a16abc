package guest

import "testing"

func TestFSWRoundTrip(t *testing.T) {
	cases := []struct{ top, c0, c1, c2, c3 uint8 }{
		{0, 0, 0, 0, 0},
		{7, 1, 1, 1, 1},
		{3, 1, 0, 1, 0},
	}
	for _, c := range cases {
		fsw := EncodeFSW(c.top, c.c0, c.c1, c.c2, c.c3)
		top, c0, c1, c2, c3 := DecodeFSW(fsw)
		if top != c.top || c0 != c.c0 || c1 != c.c1 || c2 != c.c2 || c3 != c.c3 {
			t.Fatalf("round trip mismatch for %+v: got top=%d c0=%d c1=%d c2=%d c3=%d", c, top, c0, c1, c2, c3)
		}
	}
}
