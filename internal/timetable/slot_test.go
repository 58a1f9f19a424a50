// SPDX-License-Identifier: MIT

package timetable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverlaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Slot
		want bool
	}{
		{
			name: "identical slots overlap",
			a:    Slot{Monday, 600, 660},
			b:    Slot{Monday, 600, 660},
			want: true,
		},
		{
			name: "partial overlap",
			a:    Slot{Monday, 600, 690}, // 10:00-11:30
			b:    Slot{Monday, 660, 720}, // 11:00-12:00
			want: true,
		},
		{
			name: "adjacent slots do not overlap",
			a:    Slot{Monday, 600, 660}, // 10:00-11:00
			b:    Slot{Monday, 660, 720}, // 11:00-12:00
			want: false,
		},
		{
			name: "same time different day",
			a:    Slot{Monday, 600, 660},
			b:    Slot{Tuesday, 600, 660},
			want: false,
		},
		{
			name: "containment",
			a:    Slot{Friday, 480, 720},
			b:    Slot{Friday, 540, 600},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Overlaps(tt.a, tt.b)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			// Overlap is symmetric.
			rev, err := Overlaps(tt.b, tt.a)
			require.NoError(t, err)
			require.Equal(t, tt.want, rev)
		})
	}
}

func TestOverlapsInvalidSlot(t *testing.T) {
	t.Parallel()

	bad := []Slot{
		{Monday, 660, 660},  // empty
		{Monday, 700, 600},  // inverted
		{Monday, -10, 60},   // negative start
		{Monday, 0, 24*60 + 1},
		{Day(9), 600, 660}, // bogus day
	}
	good := Slot{Monday, 600, 660}

	for _, b := range bad {
		_, err := Overlaps(good, b)
		require.True(t, errors.Is(err, ErrInvalidSlot), "slot %v", b)
		_, err = Overlaps(b, good)
		require.True(t, errors.Is(err, ErrInvalidSlot), "slot %v", b)
	}
}

func TestAnyOverlap(t *testing.T) {
	t.Parallel()

	mwf := []Slot{{Monday, 540, 590}, {Wednesday, 540, 590}, {Friday, 540, 590}}
	tth := []Slot{{Tuesday, 540, 615}, {Thursday, 540, 615}}
	friClash := []Slot{{Friday, 560, 620}}

	got, err := AnyOverlap(mwf, tth)
	require.NoError(t, err)
	require.False(t, got)

	got, err = AnyOverlap(mwf, friClash)
	require.NoError(t, err)
	require.True(t, got)

	got, err = AnyOverlap(nil, mwf)
	require.NoError(t, err)
	require.False(t, got)
}
