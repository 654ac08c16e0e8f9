// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package protocol

import (
	"strings"
	"time"
)

// SysInfo is the reply to system.get_sysinfo.
// Plugs report type/mac, bulbs report mic_type/mic_mac; both are kept.
type SysInfo struct {
	SoftwareVersion string  `json:"sw_ver"`
	HardwareVersion string  `json:"hw_ver"`
	Model           string  `json:"model"`
	Type            string  `json:"type,omitempty"`
	MicType         string  `json:"mic_type,omitempty"`
	DeviceID        string  `json:"deviceId"`
	HardwareID      string  `json:"hwId"`
	OEMID           string  `json:"oemId"`
	Alias           string  `json:"alias"`
	MAC             string  `json:"mac,omitempty"`
	MicMAC          string  `json:"mic_mac,omitempty"`
	RelayState      int     `json:"relay_state"`
	LEDOff          int     `json:"led_off"`
	OnTime          int64   `json:"on_time"`
	RSSI            int     `json:"rssi"`
	Feature         string  `json:"feature"`
	Updating        int     `json:"updating"`
	Latitude        float64 `json:"latitude,omitempty"`
	Longitude       float64 `json:"longitude,omitempty"`
	Children        []Child `json:"children,omitempty"`
	ChildNum        int     `json:"child_num,omitempty"`
}

// Child is one outlet of a multi-outlet strip.
type Child struct {
	ID     string `json:"id"`
	State  int    `json:"state"`
	Alias  string `json:"alias"`
	OnTime int64  `json:"on_time"`
}

// HasEmeter reports whether the device advertises an energy meter.
func (s *SysInfo) HasEmeter() bool {
	for _, feature := range strings.Split(s.Feature, ":") {
		if feature == "ENE" {
			return true
		}
	}
	return false
}

// IsOn reports whether the relay is closed.
func (s *SysInfo) IsOn() bool {
	return s.RelayState == 1
}

// DeviceType returns whichever of type/mic_type the device reported.
func (s *SysInfo) DeviceType() string {
	if s.Type != "" {
		return s.Type
	}
	return s.MicType
}

// MACAddress returns whichever of mac/mic_mac the device reported.
func (s *SysInfo) MACAddress() string {
	if s.MAC != "" {
		return s.MAC
	}
	return s.MicMAC
}

// ChildID returns the full outlet id for a zero-based outlet index.
// Older firmware reports two-digit suffixes instead of full ids.
func (s *SysInfo) ChildID(index int) (string, bool) {
	if index < 0 || index >= len(s.Children) {
		return "", false
	}
	id := s.Children[index].ID
	if len(id) <= 2 {
		id = s.DeviceID + id
	}
	return id, true
}

// EmeterRealtime is the reply to emeter.get_realtime. Hardware version 1
// reports float base units; version 2 reports integer milli-units.
type EmeterRealtime struct {
	Current   *float64 `json:"current,omitempty"`
	Voltage   *float64 `json:"voltage,omitempty"`
	Power     *float64 `json:"power,omitempty"`
	Total     *float64 `json:"total,omitempty"`
	CurrentMA *float64 `json:"current_ma,omitempty"`
	VoltageMV *float64 `json:"voltage_mv,omitempty"`
	PowerMW   *float64 `json:"power_mw,omitempty"`
	TotalWH   *float64 `json:"total_wh,omitempty"`
}

// Watts returns the active power in watts.
func (e *EmeterRealtime) Watts() float64 {
	return pick(e.Power, e.PowerMW, 1000)
}

// Volts returns the RMS voltage in volts.
func (e *EmeterRealtime) Volts() float64 {
	return pick(e.Voltage, e.VoltageMV, 1000)
}

// Amps returns the RMS current in amperes.
func (e *EmeterRealtime) Amps() float64 {
	return pick(e.Current, e.CurrentMA, 1000)
}

// KWh returns the cumulative energy in kilowatt hours.
func (e *EmeterRealtime) KWh() float64 {
	return pick(e.Total, e.TotalWH, 1000)
}

func pick(base, milli *float64, scale float64) float64 {
	if base != nil {
		return *base
	}
	if milli != nil {
		return *milli / scale
	}
	return 0
}

// DayStat is one entry of emeter.get_daystat.
type DayStat struct {
	Year     int      `json:"year"`
	Month    int      `json:"month"`
	Day      int      `json:"day"`
	Energy   *float64 `json:"energy,omitempty"`
	EnergyWH *float64 `json:"energy_wh,omitempty"`
}

// KWh returns the day's energy in kilowatt hours.
func (d DayStat) KWh() float64 {
	return pick(d.Energy, d.EnergyWH, 1000)
}

// MonthStat is one entry of emeter.get_monthstat.
type MonthStat struct {
	Year     int      `json:"year"`
	Month    int      `json:"month"`
	Energy   *float64 `json:"energy,omitempty"`
	EnergyWH *float64 `json:"energy_wh,omitempty"`
}

// KWh returns the month's energy in kilowatt hours.
func (m MonthStat) KWh() float64 {
	return pick(m.Energy, m.EnergyWH, 1000)
}

// DayStats wraps the day_list of emeter.get_daystat.
type DayStats struct {
	Days []DayStat `json:"day_list"`
}

// MonthStats wraps the month_list of emeter.get_monthstat.
type MonthStats struct {
	Months []MonthStat `json:"month_list"`
}

// DeviceTime is the reply to time.get_time, in the device's local zone.
type DeviceTime struct {
	Year   int `json:"year"`
	Month  int `json:"month"`
	Day    int `json:"mday"`
	Hour   int `json:"hour"`
	Minute int `json:"min"`
	Second int `json:"sec"`
}

// Time converts the device clock to a time.Time in loc.
func (t DeviceTime) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(t.Year, time.Month(t.Month), t.Day, t.Hour, t.Minute, t.Second, 0, loc)
}
