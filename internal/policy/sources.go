package policy

import "github.com/mattjoyce/darkroom/internal/config"

// NewChargingSource reports whether the device is on external power
// (value 1) or battery (value 0). It never pauses on its own; while ignored
// it claims the device is charging.
func NewChargingSource() *Base {
	b := NewBase("charging", 0, func(level int) Decision {
		return Decision{Charging: level > 0}
	}, EventCharging)
	b.permissive = Decision{Charging: true}
	return b
}

// NewBatterySource tracks the battery percentage. Below low, work only runs
// while charging; below critical, work pauses.
func NewBatterySource(low, critical int) *Base {
	return NewBase("battery", 100, func(level int) Decision {
		switch {
		case level < critical:
			return Decision{MustPause: true}
		case level < low:
			return Decision{AllowOnlyWhenCharging: true}
		default:
			return Decision{}
		}
	}, EventBatteryLevel)
}

// NewScreenSource restricts work to charging while the screen is on.
func NewScreenSource() *Base {
	return NewBase("screen", 0, func(level int) Decision {
		return Decision{AllowOnlyWhenCharging: level > 0}
	}, EventScreen)
}

// NewThermalSource pauses at or above pauseAt and requires charging at or
// above chargingOnlyAt.
func NewThermalSource(pauseAt, chargingOnlyAt int) *Base {
	return NewBase("thermal", ThermalNormal, func(level int) Decision {
		switch {
		case level >= pauseAt:
			return Decision{MustPause: true}
		case level >= chargingOnlyAt:
			return Decision{AllowOnlyWhenCharging: true}
		default:
			return Decision{}
		}
	}, EventThermal)
}

// NewCameraSource pauses while any interactive camera session is open.
func NewCameraSource() *Base {
	return NewBase("camera", 0, func(level int) Decision {
		return Decision{MustPause: level > 0}
	}, EventCameraSession)
}

// FromConfig builds the enabled sources, applying each one's ignore flag.
func FromConfig(cfg config.PolicyConfig) []Source {
	var out []Source
	add := func(sc config.SourceConfig, s *Base) {
		if !sc.IsEnabled() {
			return
		}
		if sc.Ignore {
			s.SetIgnored(true)
		}
		out = append(out, s)
	}

	add(cfg.Charging, NewChargingSource())
	add(cfg.Battery.SourceConfig, NewBatterySource(cfg.Battery.Low, cfg.Battery.Critical))
	add(cfg.Screen, NewScreenSource())
	add(cfg.Thermal.SourceConfig, NewThermalSource(cfg.Thermal.PauseAt, cfg.Thermal.ChargingOnlyAt))
	add(cfg.Camera, NewCameraSource())
	return out
}
