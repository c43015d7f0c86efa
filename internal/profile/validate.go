package profile

import "fmt"

// Validate checks the image against the model invariants. It is called
// after loading a config file and after protocol writes; engines assume
// a validated image.
func (im *Image) Validate() error {
	if im.CurrentProfile >= NumProfiles {
		return fmt.Errorf("current_profile %d out of range (max %d)", im.CurrentProfile, NumProfiles-1)
	}
	if im.LastNonDefaultProfile >= NumProfiles {
		return fmt.Errorf("last_non_default_profile %d out of range", im.LastNonDefaultProfile)
	}
	if im.TickRate == 0 {
		return fmt.Errorf("tick_rate must be at least 1")
	}
	for p := range im.Profiles {
		if err := im.Profiles[p].validate(); err != nil {
			return fmt.Errorf("profile %d: %w", p, err)
		}
	}
	return nil
}

func (p *Profile) validate() error {
	for i := range p.AdvancedKeys {
		ak := &p.AdvancedKeys[i]
		if ak.Type == AKNone {
			continue
		}
		if ak.Type >= akTypeCount {
			return fmt.Errorf("advanced key %d: unknown type %d", i, ak.Type)
		}
		if ak.Layer >= NumLayers {
			return fmt.Errorf("advanced key %d: layer %d out of range", i, ak.Layer)
		}
		if ak.Type != AKCombo && ak.Key >= NumKeys {
			return fmt.Errorf("advanced key %d: key %d out of range", i, ak.Key)
		}
		switch ak.Type {
		case AKNullBind:
			if ak.NullBind.SecondaryKey >= NumKeys {
				return fmt.Errorf("advanced key %d: null bind secondary key %d out of range", i, ak.NullBind.SecondaryKey)
			}
			if ak.NullBind.Behavior > NBDistance {
				return fmt.Errorf("advanced key %d: null bind behavior %d unknown", i, ak.NullBind.Behavior)
			}
		case AKCombo:
			for _, k := range ak.Combo.Keys {
				if k != ComboVirtualKey && k >= NumKeys {
					return fmt.Errorf("advanced key %d: combo key %d out of range", i, k)
				}
			}
		case AKMacro:
			if ak.MacroKey.MacroIndex >= NumMacros {
				return fmt.Errorf("advanced key %d: macro index %d out of range", i, ak.MacroKey.MacroIndex)
			}
		}
	}
	return nil
}
