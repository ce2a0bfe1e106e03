package backend

import (
	"time"
)

// TradingHours gates order submission to a backend's session window.
// Crypto exchanges trade continuously and use the zero value (always
// open); equity brokerages configure their exchange session.
type TradingHours struct {
	Location    *time.Location
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
	WeekdayOnly bool
	Holidays    map[string]bool // "2006-01-02" dates, in Location
}

// Always is the continuous-session window used by crypto backends.
var Always = TradingHours{}

// NSE is the Indian cash equity session (9:15–15:30 IST, Mon–Fri).
var NSE = TradingHours{
	Location:    time.FixedZone("IST", 5*3600+30*60),
	OpenHour:    9,
	OpenMinute:  15,
	CloseHour:   15,
	CloseMinute: 30,
	WeekdayOnly: true,
}

// Open reports whether t falls inside the session window.
func (h TradingHours) Open(t time.Time) bool {
	if h.Location == nil {
		return true
	}
	local := t.In(h.Location)
	if h.WeekdayOnly {
		wd := local.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	if h.Holidays[local.Format("2006-01-02")] {
		return false
	}
	hm := local.Hour()*60 + local.Minute()
	return hm >= h.OpenHour*60+h.OpenMinute && hm < h.CloseHour*60+h.CloseMinute
}

// NextOpen returns the next session open at or after t.
func (h TradingHours) NextOpen(t time.Time) time.Time {
	if h.Location == nil {
		return t
	}
	local := t.In(h.Location)
	for i := 0; i < 14; i++ {
		d := local.AddDate(0, 0, i)
		open := time.Date(d.Year(), d.Month(), d.Day(), h.OpenHour, h.OpenMinute, 0, 0, h.Location)
		if open.After(local) && h.Open(open) {
			return open
		}
	}
	return local.AddDate(0, 0, 1)
}
