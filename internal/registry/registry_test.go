package registry

import (
	"testing"

	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/sr"
)

type fakeSource struct {
	closed   bool
	closeErr error
}

func (f *fakeSource) Close() error {
	f.closed = true
	return f.closeErr
}

func TestDeriveSRMode_LegalCombinations(t *testing.T) {
	work := sr.Ref{EPSG: 3857}
	fallback := sr.Ref{EPSG: 4326}
	forced := sr.Ref{EPSG: 2056}

	cases := []struct {
		name             string
		work, fb, forced sr.Ref
		wantMode         SRMode
	}{
		{"none", sr.Ref{}, sr.Ref{}, sr.Ref{}, SRModeNone},
		{"work-only", work, sr.Ref{}, sr.Ref{}, SRModeWork},
		{"work-fallback", work, fallback, sr.Ref{}, SRModeFallback},
		{"work-forced", work, sr.Ref{}, forced, SRModeForced},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := DeriveSRMode(c.work, c.fb, c.forced, true)
			if err != nil {
				t.Fatalf("DeriveSRMode: %v", err)
			}
			if cfg.Mode != c.wantMode {
				t.Errorf("mode = %v, want %v", cfg.Mode, c.wantMode)
			}
		})
	}
}

func TestDeriveSRMode_IllegalCombinationFails(t *testing.T) {
	_, err := DeriveSRMode(sr.Ref{}, sr.Ref{EPSG: 4326}, sr.Ref{EPSG: 2056}, true)
	if !errkind.Is(err, errkind.BadSrMode) {
		t.Fatalf("expected BadSrMode, got %v", err)
	}
	_, err = DeriveSRMode(sr.Ref{}, sr.Ref{EPSG: 4326}, sr.Ref{}, true)
	if !errkind.Is(err, errkind.BadSrMode) {
		t.Fatalf("expected BadSrMode for fallback-without-work, got %v", err)
	}
}

func TestSRConfig_ResolveSourceSR(t *testing.T) {
	work := sr.Ref{EPSG: 3857}
	fallback := sr.Ref{EPSG: 4326}
	stored := sr.Ref{EPSG: 2056}

	cfg, _ := DeriveSRMode(work, sr.Ref{}, sr.Ref{}, true)
	if _, err := cfg.ResolveSourceSR(sr.Ref{}); !errkind.Is(err, errkind.BadSrMode) {
		t.Fatalf("sr_work mode with no sr_stored should fail, got %v", err)
	}
	got, err := cfg.ResolveSourceSR(stored)
	if err != nil || got != stored {
		t.Fatalf("sr_work mode should pass through sr_stored, got %v, %v", got, err)
	}

	fbCfg, _ := DeriveSRMode(work, fallback, sr.Ref{}, true)
	got, err = fbCfg.ResolveSourceSR(sr.Ref{})
	if err != nil || got != fallback {
		t.Fatalf("fallback mode with no sr_stored should use fallback, got %v, %v", got, err)
	}
	got, err = fbCfg.ResolveSourceSR(stored)
	if err != nil || got != stored {
		t.Fatalf("fallback mode with sr_stored present should use sr_stored, got %v, %v", got, err)
	}

	forced := sr.Ref{EPSG: 2056}
	forcedCfg, _ := DeriveSRMode(work, sr.Ref{}, forced, true)
	got, err = forcedCfg.ResolveSourceSR(sr.Ref{EPSG: 9999})
	if err != nil || got != forced {
		t.Fatalf("forced mode should ignore sr_stored, got %v, %v", got, err)
	}
}

func TestRegister_DuplicateKeyFails(t *testing.T) {
	r := New(SRConfig{})
	if err := r.Register("a", &fakeSource{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register("a", &fakeSource{})
	if !errkind.Is(err, errkind.DuplicateKey) {
		t.Fatalf("expected DuplicateKey, got %v", err)
	}
}

func TestLookup_UnknownKeyFails(t *testing.T) {
	r := New(SRConfig{})
	_, err := r.Lookup("missing")
	if !errkind.Is(err, errkind.UnknownKey) {
		t.Fatalf("expected UnknownKey, got %v", err)
	}
}

func TestRegisterAnonymous_GeneratesUniqueKeys(t *testing.T) {
	r := New(SRConfig{})
	k1, err := r.RegisterAnonymous(&fakeSource{})
	if err != nil {
		t.Fatalf("RegisterAnonymous: %v", err)
	}
	k2, err := r.RegisterAnonymous(&fakeSource{})
	if err != nil {
		t.Fatalf("RegisterAnonymous: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("expected distinct anonymous keys, got %q twice", k1)
	}
	if !r.Contains(k1) || !r.Contains(k2) {
		t.Fatal("expected both anonymous keys registered")
	}
}

func TestClose_ClosesSourcesAndIsIdempotentWithError(t *testing.T) {
	r := New(SRConfig{})
	s1 := &fakeSource{}
	s2 := &fakeSource{}
	_ = r.Register("a", s1)
	_ = r.Register("b", s2)

	drained := false
	joined := false
	r.RegisterDrain(func() error { drained = true; return nil })
	r.RegisterJoin(func() error { joined = true; return nil })

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !drained || !joined {
		t.Fatal("expected drain and join hooks to run before sources closed")
	}
	if !s1.closed || !s2.closed {
		t.Fatal("expected both sources closed")
	}

	err := r.Close()
	if !errkind.Is(err, errkind.Closed) {
		t.Fatalf("second Close should fail with Closed, got %v", err)
	}
}

func TestClose_AggregatesSourceCloseErrors(t *testing.T) {
	r := New(SRConfig{})
	_ = r.Register("bad", &fakeSource{closeErr: errkind.New(errkind.DriverError, "boom")})
	err := r.Close()
	if err == nil {
		t.Fatal("expected aggregated close error")
	}
}

func TestIterItems_PreservesRegistrationOrder(t *testing.T) {
	r := New(SRConfig{})
	_ = r.Register("first", &fakeSource{})
	_ = r.Register("second", &fakeSource{})
	items := r.IterItems()
	if len(items) != 2 || items[0].Key != "first" || items[1].Key != "second" {
		t.Fatalf("unexpected item order: %+v", items)
	}
}
