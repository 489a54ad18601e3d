package config

import (
	"testing"
	"time"
)

func validValues() Values {
	return Values{
		Server:             true,
		ListenHost:         "127.0.0.1",
		ListenPort:         8080,
		ConnectionStrategy: StrategyLazy,
		IdleTimeout:        time.Minute,
	}
}

// TestValues_Validate tests the snapshot constraints.
func TestValues_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Values)
		wantErr bool
	}{
		{"Valid", func(v *Values) {}, false},
		{"EagerStrategy", func(v *Values) { v.ConnectionStrategy = StrategyEager }, false},
		{"EphemeralPort", func(v *Values) { v.ListenPort = 0 }, false},
		{"UnknownStrategy", func(v *Values) { v.ConnectionStrategy = "sometimes" }, true},
		{"EmptyStrategy", func(v *Values) { v.ConnectionStrategy = "" }, true},
		{"NegativePort", func(v *Values) { v.ListenPort = -1 }, true},
		{"PortTooHigh", func(v *Values) { v.ListenPort = 70000 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := validValues()
			tc.mutate(&v)
			err := v.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate(): err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// TestOptions_SetNotifiesChangedNames tests the diff sent to subscribers.
func TestOptions_SetNotifiesChangedNames(t *testing.T) {
	opts, err := NewOptions(validValues())
	if err != nil {
		t.Fatalf("NewOptions: %v", err)
	}

	var got []string
	opts.Subscribe(func(changed []string) { got = changed })

	v := opts.Get()
	v.ListenPort = 9090
	v.Upstream = "up.example:443"
	if err := opts.Set(v); err != nil {
		t.Fatalf("Set: %v", err)
	}

	want := map[string]bool{"listen_port": true, "upstream": true}
	if len(got) != len(want) {
		t.Fatalf("changed names: got %v, want %v", got, want)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected changed name %q", name)
		}
	}
}

// TestOptions_SetNoChangeNoNotify tests that identical snapshots are
// silent.
func TestOptions_SetNoChangeNoNotify(t *testing.T) {
	opts, err := NewOptions(validValues())
	if err != nil {
		t.Fatalf("NewOptions: %v", err)
	}

	notified := false
	opts.Subscribe(func([]string) { notified = true })

	if err := opts.Set(opts.Get()); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if notified {
		t.Error("no-op Set must not notify")
	}
}

// TestOptions_SetInvalidKeepsOld tests that a rejected snapshot leaves
// the store untouched.
func TestOptions_SetInvalidKeepsOld(t *testing.T) {
	opts, err := NewOptions(validValues())
	if err != nil {
		t.Fatalf("NewOptions: %v", err)
	}

	v := opts.Get()
	v.ConnectionStrategy = "sometimes"
	if err := opts.Set(v); err == nil {
		t.Fatal("invalid snapshot should be rejected")
	}
	if opts.Get().ConnectionStrategy != StrategyLazy {
		t.Error("rejected Set must not change the snapshot")
	}
}

// TestNewOptions_Invalid tests seed validation.
func TestNewOptions_Invalid(t *testing.T) {
	v := validValues()
	v.ListenPort = -5
	if _, err := NewOptions(v); err == nil {
		t.Error("invalid seed should be rejected")
	}
}
