// Package codec translates between the JSON entity document and the
// in-memory entity tree, and persists tree snapshots to disk.
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/edgesync/iot-mirror/internal/rpc"
)

// Document is the outer wrapper of an entity document. Data is either the
// network object itself or a JSON string containing it; both forms occur in
// the wild.
type Document struct {
	Data json.RawMessage `json:"data"`
}

type NetworkDoc struct {
	Meta   rpc.Meta    `json:"meta"`
	Name   string      `json:"name"`
	Device []DeviceDoc `json:"device"`
}

// The device version travels inside the meta block, not as a sibling field.
type DeviceDoc struct {
	Meta          rpc.Meta   `json:"meta"`
	Name          string     `json:"name"`
	Product       string     `json:"product"`
	Serial        string     `json:"serial"`
	Description   string     `json:"description"`
	Protocol      string     `json:"protocol"`
	Communication string     `json:"communication"`
	Manufacturer  string     `json:"manufacturer"`
	Value         []ValueDoc `json:"value"`
}

type ValueDoc struct {
	Meta       rpc.Meta    `json:"meta"`
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	Permission string      `json:"permission"`
	Period     flexString  `json:"period,omitempty"`
	Delta      flexString  `json:"delta,omitempty"`
	Number     *NumberDoc  `json:"number,omitempty"`
	String     *BufferDoc  `json:"string,omitempty"`
	Blob       *BufferDoc  `json:"blob,omitempty"`
	State      []StateDoc  `json:"state"`
}

type NumberDoc struct {
	Min  flexFloat `json:"min"`
	Max  flexFloat `json:"max"`
	Step flexFloat `json:"step"`
	Unit string    `json:"unit,omitempty"`
}

type BufferDoc struct {
	Encoding string   `json:"encoding"`
	Max      *flexInt `json:"max,omitempty"`
}

type StateDoc struct {
	Meta      rpc.Meta `json:"meta"`
	Type      string   `json:"type"`
	Data      string   `json:"data"`
	Timestamp string   `json:"timestamp"`
}

// flexFloat decodes from either a JSON number or a quoted number. Documents
// produced by older tooling quote numeric fields.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := unquote(b)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := unquote(b)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt(v)
	return nil
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	*f = flexString(unquote(b))
	return nil
}

func (f flexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

func unquote(b []byte) string {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s
	}
	return string(b)
}
