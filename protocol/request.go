// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package protocol

import (
	"encoding/json"
	"sort"
)

// DefaultPort is the TCP and UDP port Kasa devices listen on.
const DefaultPort = 9999

// Module names understood by plugs and strips.
const (
	ModuleSystem  = "system"
	ModuleEmeter  = "emeter"
	ModuleTime    = "time"
	ModuleCloud   = "cnCloud"
	moduleContext = "context"
)

// Request maps module name to method name to method arguments.
type Request map[string]map[string]any

// Call is one module/method pair addressed by a request.
type Call struct {
	Module string
	Method string
}

// NewRequest creates a request for a single method.
func NewRequest(module, method string, args map[string]any) Request {
	if args == nil {
		args = map[string]any{}
	}
	return Request{module: {method: args}}
}

// GetSysInfo requests the device description and relay state.
func GetSysInfo() Request {
	return NewRequest(ModuleSystem, "get_sysinfo", nil)
}

// SetRelayState switches the relay on or off.
func SetRelayState(on bool) Request {
	return NewRequest(ModuleSystem, "set_relay_state", map[string]any{"state": boolToInt(on)})
}

// SetLEDOff turns the status LED off (true) or on (false).
func SetLEDOff(off bool) Request {
	return NewRequest(ModuleSystem, "set_led_off", map[string]any{"off": boolToInt(off)})
}

// SetAlias renames the device.
func SetAlias(alias string) Request {
	return NewRequest(ModuleSystem, "set_dev_alias", map[string]any{"alias": alias})
}

// Reboot restarts the device after delay seconds.
func Reboot(delay int) Request {
	return NewRequest(ModuleSystem, "reboot", map[string]any{"delay": delay})
}

// GetRealtime requests the instantaneous energy meter reading.
func GetRealtime() Request {
	return NewRequest(ModuleEmeter, "get_realtime", nil)
}

// GetDayStats requests per-day energy totals for a month.
func GetDayStats(year, month int) Request {
	return NewRequest(ModuleEmeter, "get_daystat", map[string]any{"year": year, "month": month})
}

// GetMonthStats requests per-month energy totals for a year.
func GetMonthStats(year int) Request {
	return NewRequest(ModuleEmeter, "get_monthstat", map[string]any{"year": year})
}

// GetTime requests the device clock.
func GetTime() Request {
	return NewRequest(ModuleTime, "get_time", nil)
}

// WithChildren addresses the request to specific outlets of a power strip.
func (r Request) WithChildren(ids ...string) Request {
	out := r.clone()
	if len(ids) > 0 {
		out[moduleContext] = map[string]any{"child_ids": append([]string(nil), ids...)}
	}
	return out
}

// Merge combines several requests into one; later methods win on conflict.
func Merge(reqs ...Request) Request {
	out := Request{}
	for _, req := range reqs {
		for module, methods := range req {
			if out[module] == nil {
				out[module] = map[string]any{}
			}
			for method, args := range methods {
				out[module][method] = args
			}
		}
	}
	return out
}

// Calls lists the module/method pairs of the request in a stable order.
// The context pseudo-module is not a call.
func (r Request) Calls() []Call {
	calls := make([]Call, 0, len(r))
	for module, methods := range r {
		if module == moduleContext {
			continue
		}
		for method := range methods {
			calls = append(calls, Call{Module: module, Method: method})
		}
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].Module != calls[j].Module {
			return calls[i].Module < calls[j].Module
		}
		return calls[i].Method < calls[j].Method
	})
	return calls
}

// Marshal encodes the request as JSON.
func (r Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func (r Request) clone() Request {
	out := make(Request, len(r)+1)
	for module, methods := range r {
		copied := make(map[string]any, len(methods))
		for method, args := range methods {
			copied[method] = args
		}
		out[module] = copied
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
