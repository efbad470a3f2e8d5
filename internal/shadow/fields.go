package shadow

import (
	"fmt"
	"strconv"
	"strings"
)

// Field names a reported field of the water purifier shadow.
type Field string

// Reported fields.
const (
	FieldTemperatureMode  Field = "temperature_mode"
	FieldVolumeMode       Field = "volume_mode"
	FieldTapTDS           Field = "tap_tds"
	FieldPurifiedTDS      Field = "purified_tds"
	FieldAQPFilterLife    Field = "aqp_filter_life_pct"
	FieldPC5in1FilterLife Field = "pc5in1_filter_life_pct"
	FieldTotalVolume      Field = "total_volume_l"
)

// ReportedFields lists every reported field in display order.
var ReportedFields = []Field{
	FieldTemperatureMode,
	FieldVolumeMode,
	FieldTapTDS,
	FieldPurifiedTDS,
	FieldAQPFilterLife,
	FieldPC5in1FilterLife,
	FieldTotalVolume,
}

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	f := Field(s)
	for _, known := range ReportedFields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// Writable reports whether the field can be set by a command.
func (f Field) Writable() bool {
	return f == FieldTemperatureMode || f == FieldVolumeMode
}

// CodeOption is one selectable code of a writable field.
type CodeOption struct {
	Code  int    `json:"code"`
	Label string `json:"label"`
}

// TemperatureOptions are the outlet temperature codes accepted by SetTemp.
var TemperatureOptions = []CodeOption{
	{0, "normal"},
	{1, "45C"},
	{2, "65C"},
	{3, "85C"},
	{4, "99C"},
	{5, "5C"},
	{6, "55C"},
	{7, "75C"},
	{8, "95C"},
	{9, "97C"},
	{10, "100C"},
}

// VolumeOptions are the dispense volume codes accepted by SetOutlet.
var VolumeOptions = []CodeOption{
	{0, "200mL"},
	{1, "500mL"},
	{2, "1000mL"},
	{3, "1500mL"},
	{4, "250mL"},
	{5, "350mL"},
	{6, "2000mL"},
}

// Quick55Code is the temperature code sent by the "quick 55C" button.
const Quick55Code = 6

// Options returns the selectable codes of a writable field, or nil.
func (f Field) Options() []CodeOption {
	switch f {
	case FieldTemperatureMode:
		return TemperatureOptions
	case FieldVolumeMode:
		return VolumeOptions
	default:
		return nil
	}
}

// Label returns the option label for a code, or the code itself when unknown.
func (f Field) Label(code int) string {
	for _, o := range f.Options() {
		if o.Code == code {
			return o.Label
		}
	}
	return strconv.Itoa(code)
}

// ParseValue resolves user input for a writable field into its code.
// Both codes ("6") and labels ("55C", case-insensitive) are accepted.
func (f Field) ParseValue(input string) (int, error) {
	if !f.Writable() {
		return 0, fmt.Errorf("%w: %s", ErrReadOnlyField, f)
	}
	input = strings.TrimSpace(input)
	for _, o := range f.Options() {
		if strings.EqualFold(o.Label, input) {
			return o.Code, nil
		}
	}
	code, err := strconv.Atoi(input)
	if err != nil {
		return 0, fmt.Errorf("%w: %q for %s", ErrInvalidValue, input, f)
	}
	if err := f.ValidateCode(code); err != nil {
		return 0, err
	}
	return code, nil
}

// ValidateCode checks that code is a known option of a writable field.
func (f Field) ValidateCode(code int) error {
	if !f.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnlyField, f)
	}
	for _, o := range f.Options() {
		if o.Code == code {
			return nil
		}
	}
	return fmt.Errorf("%w: %d for %s", ErrInvalidValue, code, f)
}
