package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseUserID checks parsing never panics and valid ids round-trip.
func FuzzParseUserID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("'; DROP TABLE users;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseUserID(input)
		if err == nil {
			roundTrip, err2 := ParseUserID(id.String())
			if err2 != nil {
				t.Errorf("valid id failed round-trip: %v", err2)
			}
			if roundTrip != id {
				t.Error("round-trip changed id value")
			}
		}
		if !utf8.ValidString(input) && err == nil {
			t.Error("non-UTF8 input was accepted")
		}
	})
}

// FuzzParseCertificateID checks accepted ids are already normalized on re-parse.
func FuzzParseCertificateID(f *testing.F) {
	f.Add("CRT-20260301-7K2QXA")
	f.Add("crt-20260301-7k2qxa")
	f.Add("CRT-20260301-7K2QXA\n")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseCertificateID(input)
		if err != nil {
			return
		}
		again, err := ParseCertificateID(id.String())
		if err != nil || again != id {
			t.Errorf("normalized id %q did not re-parse", id)
		}
	})
}
