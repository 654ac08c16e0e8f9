// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package protocol

import (
	"encoding/json"
	"sort"

	tperr "github.com/ayourtch/tplinker/pkg/errors"
)

// Response is a decoded device reply: module name to method name to raw section.
// A module the device does not implement has err_code/err_msg directly at
// module level instead of method sections.
type Response map[string]map[string]json.RawMessage

// ParseRequest decodes a caller-supplied JSON request.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseResponse decodes decrypted response bytes.
// Malformed input returns the encoding/json error unchanged.
func ParseResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Section decodes the reply to module.method into v.
//
// A non-zero err_code at module or method level is returned as a
// tperr.SectionError. A missing module or method is a tperr.GenericError.
// v may be nil when only the status matters.
func (r Response) Section(module, method string, v any) error {
	methods, ok := r[module]
	if !ok {
		return tperr.Errorf("response is missing module %s", module)
	}

	section, err := moduleStatus(methods)
	if err != nil {
		return err
	}
	if section.Failed() {
		return section
	}

	raw, ok := methods[method]
	if !ok {
		return tperr.Errorf("response is missing section %s.%s", module, method)
	}

	var status tperr.SectionError
	if err := json.Unmarshal(raw, &status); err != nil {
		return err
	}
	if status.Failed() {
		return status
	}

	if v == nil {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Check returns the first failing section of the response, in module/method
// order, or nil when every section reports success.
func (r Response) Check() error {
	modules := make([]string, 0, len(r))
	for module := range r {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	for _, module := range modules {
		methods := r[module]
		section, err := moduleStatus(methods)
		if err != nil {
			return err
		}
		if section.Failed() {
			return section
		}

		names := make([]string, 0, len(methods))
		for name := range methods {
			if name != "err_code" && name != "err_msg" {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		for _, name := range names {
			if err := r.Section(module, name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// moduleStatus reads a module-level err_code, if the module has one.
func moduleStatus(methods map[string]json.RawMessage) (tperr.SectionError, error) {
	var section tperr.SectionError
	code, ok := methods["err_code"]
	if !ok {
		return section, nil
	}
	if err := json.Unmarshal(code, &section.Code); err != nil {
		return section, err
	}
	if msg, ok := methods["err_msg"]; ok {
		if err := json.Unmarshal(msg, &section.Msg); err != nil {
			return section, err
		}
	}
	return section, nil
}
