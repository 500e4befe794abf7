package sensor

import "testing"

func TestPresets_Valid(t *testing.T) {
	for _, name := range PresetNames() {
		cfg, ok := Preset(name)
		if !ok {
			t.Fatalf("Preset(%q) missing", name)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("preset %s invalid: %v", name, err)
		}
	}
}

func TestPreset(t *testing.T) {
	stable, ok := Preset(PresetStable)
	if !ok || stable != DefaultStreamConfig() {
		t.Errorf("stable = %+v, want defaults", stable)
	}
	c, _ := Preset(PresetColorOnly)
	if !c.EnableColor || c.EnableDepth || c.EnableIMU {
		t.Errorf("color-only = %+v", c)
	}
	if _, ok := Preset("8k"); ok {
		t.Error("unknown preset reported as found")
	}
	if names := PresetNames(); len(names) != 5 || names[0] != PresetColorOnly {
		t.Errorf("PresetNames() = %v", names)
	}
}
