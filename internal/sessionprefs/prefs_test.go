package sessionprefs

import (
	"context"
	"testing"
)

func TestApplyOverridesOnlySetFields(t *testing.T) {
	speed, autoplay := 1, false
	if New().Apply(&speed, &autoplay) {
		t.Fatalf("empty prefs must not resume")
	}
	if speed != 1 || autoplay {
		t.Fatalf("empty prefs changed values: speed=%d autoplay=%v", speed, autoplay)
	}

	resume := New(Speed(-3), Autoplay(true), Resume(true)).Apply(&speed, &autoplay)
	if !resume || speed != -3 || !autoplay {
		t.Fatalf("unexpected result: resume=%v speed=%d autoplay=%v", resume, speed, autoplay)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no prefs on a bare context")
	}
	var nilCtx context.Context
	if WithContext(nilCtx, New()) != nil {
		t.Fatalf("expected nil context to stay nil")
	}

	ctx := WithContext(context.Background(), New(Speed(2)))
	p, ok := FromContext(ctx)
	if !ok || p.SpeedExp == nil || *p.SpeedExp != 2 {
		t.Fatalf("expected speed override, got %+v ok=%v", p, ok)
	}
	if p.Autoplay != nil {
		t.Fatalf("autoplay should be unset")
	}
}
