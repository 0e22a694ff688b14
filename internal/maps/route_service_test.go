package maps

import (
	"testing"

	"dispatch/internal/types"
)

func TestLatLng(t *testing.T) {
	cases := []struct {
		in   types.Point
		want string
	}{
		{types.Point{Lat: 23.8103, Lng: 90.4125}, "23.8103,90.4125"},
		{types.Point{Lat: -33.5, Lng: -70}, "-33.5,-70"},
		{types.Point{}, "0,0"},
	}
	for _, tc := range cases {
		if got := latLng(tc.in); got != tc.want {
			t.Errorf("latLng(%+v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewRouteServiceRequiresKey(t *testing.T) {
	if _, err := NewRouteService(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
