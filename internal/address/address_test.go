package address

import (
	"testing"

	lakeerrors "github.com/maruel/memlake/internal/errors"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		drive DriveID
		slot  int
		ok    bool
	}{
		{"first", DriveL, 1, true},
		{"last", DriveLEE, 8, true},
		{"slot zero", DriveE, 0, false},
		{"slot nine", DriveE, 9, false},
		{"unknown drive", DriveID("Z"), 1, false},
		{"empty drive", DriveID(""), 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.drive, tt.slot)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !lakeerrors.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParseDrive(t *testing.T) {
	for _, d := range Drives() {
		got, err := ParseDrive(string(d))
		if err != nil || got != d {
			t.Errorf("ParseDrive(%q) = %q, %v", d, got, err)
		}
	}
	if _, err := ParseDrive("lee"); err == nil {
		t.Error("drive names are case sensitive")
	}
	if len(Drives()) != 8 {
		t.Errorf("got %d drives", len(Drives()))
	}
}

func TestSlotForKey(t *testing.T) {
	for _, key := range []string{"", "a", "leemail/sent/msg1", "research/notes"} {
		s := SlotForKey(key)
		if s < MinSlot || s > MaxSlot {
			t.Errorf("SlotForKey(%q) = %d", key, s)
		}
		if s != SlotForKey(key) {
			t.Errorf("SlotForKey(%q) is not stable", key)
		}
	}
}

func TestUsageRatio(t *testing.T) {
	u := Usage{Bytes: SlotCapacity / 4}
	if got := u.Ratio(); got != 0.25 {
		t.Errorf("Ratio() = %v", got)
	}
}
