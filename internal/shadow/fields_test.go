package shadow

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseField(t *testing.T) {
	if _, err := ParseField("tap_tds"); err != nil {
		t.Errorf("ParseField(tap_tds) error = %v", err)
	}
	if _, err := ParseField("power"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("ParseField(power) error = %v, want ErrUnknownField", err)
	}
}

func TestField_ParseValue(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		input   string
		want    int
		wantErr error
	}{
		{"label", FieldTemperatureMode, "55C", 6, nil},
		{"label case-insensitive", FieldVolumeMode, "500ml", 1, nil},
		{"code", FieldVolumeMode, "6", 6, nil},
		{"code with spaces", FieldTemperatureMode, " 0 ", 0, nil},
		{"unknown code", FieldTemperatureMode, "11", 0, ErrInvalidValue},
		{"garbage", FieldVolumeMode, "lots", 0, ErrInvalidValue},
		{"read-only", FieldTapTDS, "1", 0, ErrReadOnlyField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.field.ParseValue(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseValue(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseValue(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseValue(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestField_Label(t *testing.T) {
	if got := FieldTemperatureMode.Label(Quick55Code); got != "55C" {
		t.Errorf("Label(Quick55Code) = %q, want 55C", got)
	}
	if got := FieldVolumeMode.Label(42); got != "42" {
		t.Errorf("Label(42) = %q, want 42", got)
	}
}

func TestField_Options(t *testing.T) {
	tests := []struct {
		field Field
		want  []CodeOption
	}{
		{FieldTemperatureMode, TemperatureOptions},
		{FieldVolumeMode, VolumeOptions},
		{FieldTapTDS, nil},
	}
	for _, tt := range tests {
		got := tt.field.Options()
		if len(got) != len(tt.want) {
			t.Errorf("%s.Options() len = %d, want %d", tt.field, len(got), len(tt.want))
		}
	}
	if o := FieldTemperatureMode.Options()[Quick55Code]; o.Code != Quick55Code || o.Label != "55C" {
		t.Errorf("quick 55 option = %+v", o)
	}

	// Reconciler options share the package namespace with code options.
	var opts []Option
	opts = append(opts, WithLogger(nil))
	if New(opts...) == nil {
		t.Fatal("New() returned nil")
	}
}

func TestFieldStatus_JSON(t *testing.T) {
	for _, want := range []FieldStatus{FieldAbsent, FieldValid, FieldStale} {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("Marshal(%v) error = %v", want, err)
		}
		var got FieldStatus
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
		if got != want {
			t.Errorf("round trip %s = %v, want %v", data, got, want)
		}
	}
}
