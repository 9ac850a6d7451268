// Package wayland generates the session glue KlipperScreen needs on mobile
// Wayland shells: launcher wrappers with the right environment, desktop
// entries, and per-init autostart services.
package wayland

// Preset bundles the environment a specific mobile shell needs.
type Preset struct {
	Key         string
	Name        string
	Desktop     string
	Description string
	Env         map[string]string
	Notes       []string
}

// slug is the preset name in file-name form.
func (p Preset) slug() string {
	out := make([]byte, len(p.Name))
	for i := 0; i < len(p.Name); i++ {
		c := p.Name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out[i] = c + 'a' - 'A'
		case c == ' ':
			out[i] = '-'
		default:
			out[i] = c
		}
	}
	return string(out)
}

// Presets lists the supported shells in menu order.
var Presets = []Preset{
	{
		Key:     "1",
		Name:    "Phosh",
		Desktop: "Phosh",
		Description: "Optimised for GNOME/Phosh shells where GTK, Qt and SDL apps need " +
			"explicit Wayland configuration and fractional scaling is handled by the shell.",
		Env: map[string]string{
			"XDG_SESSION_TYPE":                    "wayland",
			"WAYLAND_DISPLAY":                     "wayland-0",
			"QT_QPA_PLATFORM":                     "wayland",
			"QT_WAYLAND_DISABLE_WINDOWDECORATION": "1",
			"GDK_BACKEND":                         "wayland",
			"SDL_VIDEODRIVER":                     "wayland",
			"MOZ_ENABLE_WAYLAND":                  "1",
			"CLUTTER_BACKEND":                     "wayland",
			"WLR_NO_HARDWARE_CURSORS":             "1",
		},
		Notes: []string{
			"Makes KlipperScreen follow Phosh's compositor scaling.",
			"Disables Qt's client-side decorations to avoid double title bars.",
		},
	},
	{
		Key:     "2",
		Name:    "Plasma Mobile",
		Desktop: "Plasma Mobile",
		Description: "Targets Plasma Mobile sessions that ship the KDE Wayland compositor " +
			"and QtQuick stack. Applies KDE-specific hints alongside generic Wayland flags.",
		Env: map[string]string{
			"XDG_SESSION_TYPE":                    "wayland",
			"QT_QPA_PLATFORM":                     "wayland",
			"QT_WAYLAND_DISABLE_WINDOWDECORATION": "1",
			"GDK_BACKEND":                         "wayland",
			"SDL_VIDEODRIVER":                     "wayland",
			"MOZ_ENABLE_WAYLAND":                  "1",
			"QT_QUICK_CONTROLS_STYLE":             "Plasma",
			"QT_QPA_PLATFORMTHEME":                "kde",
			"KWIN_DRM_USE_MODIFIERS":              "1",
			"XCURSOR_SIZE":                        "24",
		},
		Notes: []string{
			"Uses KDE's platform theme so widgets inherit Plasma styling.",
			"Keeps cursor size predictable when Plasma's scaling kicks in.",
		},
	},
	{
		Key:     "3",
		Name:    "Sxmo",
		Desktop: "Sxmo",
		Description: "Targets Sxmo's wlroots session defaults so KlipperScreen launches " +
			"under its dwl/sway based environments on Qualcomm handsets.",
		Env: map[string]string{
			"XDG_SESSION_TYPE":                    "wayland",
			"XDG_CURRENT_DESKTOP":                 "sxmo",
			"XDG_SESSION_DESKTOP":                 "sxmo",
			"WAYLAND_DISPLAY":                     "wayland-0",
			"QT_QPA_PLATFORM":                     "wayland-egl",
			"QT_WAYLAND_DISABLE_WINDOWDECORATION": "1",
			"GDK_BACKEND":                         "wayland,x11",
			"SDL_VIDEODRIVER":                     "wayland",
			"MOZ_ENABLE_WAYLAND":                  "1",
			"CLUTTER_BACKEND":                     "wayland",
			"WLR_RENDERER_ALLOW_SOFTWARE":         "1",
			"WLR_NO_HARDWARE_CURSORS":             "1",
			"XCURSOR_SIZE":                        "32",
		},
		Notes: []string{
			"Mirrors the environment exported by sxmo-utils so wlroots-based shells can spawn KlipperScreen without extra wrappers.",
			"WLR_RENDERER_ALLOW_SOFTWARE can be dropped once hardware acceleration is verified.",
		},
	},
}

// PresetByKey returns the preset for a menu key, or nil.
func PresetByKey(key string) *Preset {
	for i := range Presets {
		if Presets[i].Key == key {
			return &Presets[i]
		}
	}
	return nil
}

// MatchesShell reports whether the preset targets the detected shell.
func (p Preset) MatchesShell(shell string) bool {
	switch shell {
	case "phosh":
		return p.Name == "Phosh"
	case "plasma":
		return p.Name == "Plasma Mobile"
	case "sxmo":
		return p.Name == "Sxmo"
	default:
		return false
	}
}
