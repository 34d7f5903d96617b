/*
Copyright 2022 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package protocol implements the wire framing for the two named-pipe
// protocols that connect the reclamation spooler to the reclamation
// server: requests flowing spooler -> server, and soft-reclamation
// failures flowing server -> spooler: base64-encoded ASCII records
// terminated by a single literal comma.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the two reclamation request variants.
type Kind string

const (
	KindSoft Kind = "soft"
	KindCold Kind = "cold"
)

// SoftRequest is the "soft" variant of the internal reclamation request
// message: bring the host back via the debug port or SSH+kexec.
type SoftRequest struct {
	HostID               string
	Hostname             string
	Username             string
	Password             string
	MAC                  string
	TargetDevice         string
	IsInauguratorActive  bool
}

// ColdRequest is the "cold" variant: force the host to reboot via
// out-of-band means.
type ColdRequest struct {
	HostID          string
	ReconfigureBIOS bool
	HardReset       bool
}

// Request is implemented by *SoftRequest and *ColdRequest.
type Request interface {
	Kind() Kind
}

func (r *SoftRequest) Kind() Kind { return KindSoft }
func (r *ColdRequest) Kind() Kind { return KindCold }

func boolToWire(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func wireToBool(s string) (bool, error) {
	switch s {
	case "True":
		return true, nil
	case "False":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean field %q", s)
	}
}

// EncodeSoft renders a soft request as a single comma-terminated wire
// frame: the base64 of the ASCII record, followed by one literal comma.
func EncodeSoft(r SoftRequest) string {
	device := r.TargetDevice
	if device == "" {
		device = "default"
	}
	record := strings.Join([]string{
		string(KindSoft),
		r.HostID,
		r.Hostname,
		r.Username,
		r.Password,
		r.MAC,
		device,
		boolToWire(r.IsInauguratorActive),
	}, ",")
	return base64.StdEncoding.EncodeToString([]byte(record)) + ","
}

// EncodeCold renders a cold request as a single comma-terminated wire
// frame. The minimum fields the standard handler needs are hostID and
// hardReset; reconfigureBIOS is carried alongside them since the HSM
// always computes both together.
func EncodeCold(r ColdRequest) string {
	record := strings.Join([]string{
		string(KindCold),
		r.HostID,
		boolToWire(r.HardReset),
		boolToWire(r.ReconfigureBIOS),
	}, ",")
	return base64.StdEncoding.EncodeToString([]byte(record)) + ","
}

// ErrMalformedFrame is returned by DecodeFrame for any frame that cannot
// be decoded: invalid base64, wrong field count, an unrecognized kind, or
// a malformed boolean field. Callers must log and skip, never abort the
// read loop.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// DecodeFrame base64-decodes a single token (the reader has already split
// the byte stream on commas and discarded empty tokens) and parses it into
// a Request.
func DecodeFrame(token string) (Request, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedFrame, err)
	}

	fields := strings.Split(string(raw), ",")
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrMalformedFrame)
	}

	switch Kind(fields[0]) {
	case KindSoft:
		if len(fields) != 8 {
			return nil, fmt.Errorf("%w: soft record has %d fields, want 8", ErrMalformedFrame, len(fields))
		}
		active, err := wireToBool(fields[7])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &SoftRequest{
			HostID:              fields[1],
			Hostname:            fields[2],
			Username:            fields[3],
			Password:            fields[4],
			MAC:                 fields[5],
			TargetDevice:        fields[6],
			IsInauguratorActive: active,
		}, nil

	case KindCold:
		if len(fields) != 4 {
			return nil, fmt.Errorf("%w: cold record has %d fields, want 4", ErrMalformedFrame, len(fields))
		}
		hardReset, err := wireToBool(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		reconfigureBIOS, err := wireToBool(fields[3])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &ColdRequest{
			HostID:          fields[1],
			HardReset:       hardReset,
			ReconfigureBIOS: reconfigureBIOS,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrMalformedFrame, fields[0])
	}
}

// SplitFrames splits buf on literal commas and drops empty leading/
// trailing tokens. The final element of buf may be an incomplete
// frame (no trailing comma has arrived yet on the wire); SplitFrames
// returns it separately as leftover so the caller can prepend it to the
// next read.
func SplitFrames(buf []byte) (tokens []string, leftover []byte) {
	parts := strings.Split(string(buf), ",")
	if len(parts) == 0 {
		return nil, nil
	}

	// The last part is either "" (buf ended exactly on a comma) or an
	// incomplete trailing frame.
	last := parts[len(parts)-1]
	parts = parts[:len(parts)-1]

	for _, p := range parts {
		if p == "" {
			continue
		}
		tokens = append(tokens, p)
	}

	if last != "" {
		leftover = []byte(last)
	}
	return tokens, leftover
}

// EncodeFailure renders a burst of failed host ids as the comma-
// terminated ASCII list the failures-out pipe carries.
func EncodeFailure(hostIDs []string) string {
	if len(hostIDs) == 0 {
		return ""
	}
	return strings.Join(hostIDs, ",") + ","
}

// SplitFailures splits a failures-pipe read into host ids, ignoring empty
// fields, and returns any incomplete trailing id as leftover.
func SplitFailures(buf []byte) (hostIDs []string, leftover []byte) {
	parts := strings.Split(string(buf), ",")
	if len(parts) == 0 {
		return nil, nil
	}

	last := parts[len(parts)-1]
	parts = parts[:len(parts)-1]

	for _, p := range parts {
		if p == "" {
			continue
		}
		hostIDs = append(hostIDs, p)
	}

	if last != "" {
		leftover = []byte(last)
	}
	return hostIDs, leftover
}
