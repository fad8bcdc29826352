// Package sessionprefs carries per-connection player overrides on a context.
package sessionprefs

import "context"

// Prefs overrides the stored player preferences for one connection. Nil
// fields keep the stored value.
type Prefs struct {
	SpeedExp *int
	Autoplay *bool
	// Resume starts playback at the user's last position in the recording.
	Resume bool
}

// Option adjusts Prefs.
type Option func(*Prefs)

// Speed overrides the initial speed exponent.
func Speed(exp int) Option {
	return func(p *Prefs) { p.SpeedExp = &exp }
}

// Autoplay overrides whether playback starts running.
func Autoplay(on bool) Option {
	return func(p *Prefs) { p.Autoplay = &on }
}

// Resume requests the stored resume position.
func Resume(on bool) Option {
	return func(p *Prefs) { p.Resume = on }
}

// New builds Prefs from opts.
func New(opts ...Option) Prefs {
	var p Prefs
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}

// Apply writes the overrides over speedExp and autoplay and reports whether
// the stored resume position should be used.
func (p Prefs) Apply(speedExp *int, autoplay *bool) bool {
	if p.SpeedExp != nil && speedExp != nil {
		*speedExp = *p.SpeedExp
	}
	if p.Autoplay != nil && autoplay != nil {
		*autoplay = *p.Autoplay
	}
	return p.Resume
}

type prefsKey struct{}

// WithContext attaches p to ctx. A nil ctx is returned unchanged.
func WithContext(ctx context.Context, p Prefs) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, prefsKey{}, p)
}

// FromContext returns the overrides attached to ctx.
func FromContext(ctx context.Context) (Prefs, bool) {
	if ctx == nil {
		return Prefs{}, false
	}
	p, ok := ctx.Value(prefsKey{}).(Prefs)
	return p, ok
}
