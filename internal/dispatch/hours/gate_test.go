package hours

import (
	"testing"
	"time"

	"github.com/acme/campaign-dispatch/internal/domain"
)

func mondayConfig() *domain.BusinessHoursConfig {
	return &domain.BusinessHoursConfig{
		Enabled:  true,
		Timezone: "UTC",
		Days: map[string][]domain.HourWindow{
			"monday": {{Start: "09:00", End: "17:00"}},
		},
	}
}

func TestIsOpenWithinWindow(t *testing.T) {
	// 2024-01-01 is a Monday.
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !IsOpen(mondayConfig(), now) {
		t.Fatalf("expected %v to be within business hours", now)
	}
}

func TestIsOpenOutsideWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	if IsOpen(mondayConfig(), now) {
		t.Fatalf("expected %v to be outside business hours", now)
	}
}

func TestIsOpenNoWindowsForWeekday(t *testing.T) {
	tuesday := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if IsOpen(mondayConfig(), tuesday) {
		t.Fatalf("expected %v to be closed (no tuesday windows)", tuesday)
	}
}

func TestIsOpenInclusiveBounds(t *testing.T) {
	cfg := mondayConfig()
	open := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if !IsOpen(cfg, open) {
		t.Fatal("start bound should be inclusive")
	}
	closeTime := time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)
	if !IsOpen(cfg, closeTime) {
		t.Fatal("end bound should be inclusive")
	}
	after := time.Date(2024, 1, 1, 17, 1, 0, 0, time.UTC)
	if IsOpen(cfg, after) {
		t.Fatal("one minute past end should be closed")
	}
}

func TestIsOpenDisabledOrAbsentConfig(t *testing.T) {
	now := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	if !IsOpen(nil, now) {
		t.Fatal("absent config should always be open")
	}
	cfg := mondayConfig()
	cfg.Enabled = false
	if !IsOpen(cfg, now) {
		t.Fatal("disabled config should always be open")
	}
}

func TestIsOpenResolvesTimezone(t *testing.T) {
	cfg := mondayConfig()
	cfg.Timezone = "America/New_York"
	// 14:00 UTC Monday is 09:00 or 10:00 in New York depending on DST;
	// January means EST (UTC-5), so 14:00 UTC = 09:00 local.
	now := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	if !IsOpen(cfg, now) {
		t.Fatalf("expected %v to be open in New York local time", now)
	}
	early := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	if IsOpen(cfg, early) {
		t.Fatalf("expected %v (08:00 EST) to be closed", early)
	}
}

func TestIsOpenInvalidTimezoneFailsOpen(t *testing.T) {
	cfg := mondayConfig()
	cfg.Timezone = "Not/AZone"
	now := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	if !IsOpen(cfg, now) {
		t.Fatal("invalid timezone should fail open")
	}
}

func TestIsOpenMultipleWindows(t *testing.T) {
	cfg := &domain.BusinessHoursConfig{
		Enabled:  true,
		Timezone: "UTC",
		Days: map[string][]domain.HourWindow{
			"monday": {
				{Start: "09:00", End: "12:00"},
				{Start: "13:00", End: "17:00"},
			},
		},
	}
	lunch := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	if IsOpen(cfg, lunch) {
		t.Fatal("lunch gap should be closed")
	}
	afternoon := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	if !IsOpen(cfg, afternoon) {
		t.Fatal("afternoon window should be open")
	}
}
