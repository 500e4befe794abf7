package sensor

import "sort"

// Preset names for common stream configurations.
const (
	PresetStable    = "stable"     // 424x240@15, all streams
	PresetHD        = "hd"         // 640x480@30, all streams
	PresetWide      = "wide"       // 848x480@30, all streams
	PresetColorOnly = "color-only" // 640x480@30, color only
	PresetDepthOnly = "depth-only" // 640x480@30, depth and imu
)

// Presets returns all preset stream configurations.
func Presets() map[string]StreamConfig {
	hd := StreamConfig{EnableColor: true, EnableDepth: true, EnableIMU: true, Width: 640, Height: 480, FPS: 30}

	wide := hd
	wide.Width = 848

	colorOnly := hd
	colorOnly.EnableDepth = false
	colorOnly.EnableIMU = false

	depthOnly := hd
	depthOnly.EnableColor = false

	return map[string]StreamConfig{
		PresetStable:    DefaultStreamConfig(),
		PresetHD:        hd,
		PresetWide:      wide,
		PresetColorOnly: colorOnly,
		PresetDepthOnly: depthOnly,
	}
}

// PresetNames returns the preset names in sorted order.
func PresetNames() []string {
	p := Presets()
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns the named stream configuration.
func Preset(name string) (StreamConfig, bool) {
	cfg, ok := Presets()[name]
	return cfg, ok
}
