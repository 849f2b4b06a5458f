package silas

import "testing"

func TestParseTaint(t *testing.T) {
	tests := []struct {
		in   string
		want Taint
	}{
		{"owner", TaintOwner},
		{"auth", TaintAuth},
		{"external", TaintExternal},
		{"", TaintExternal},
		{"garbage", TaintExternal}, // unknown provenance assumes the worst
	}
	for _, tt := range tests {
		if got := ParseTaint(tt.in); got != tt.want {
			t.Errorf("ParseTaint(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTaintJoin(t *testing.T) {
	tests := []struct {
		a, b, want Taint
	}{
		{TaintOwner, TaintOwner, TaintOwner},
		{TaintOwner, TaintAuth, TaintAuth},
		{TaintAuth, TaintOwner, TaintAuth},
		{TaintAuth, TaintExternal, TaintExternal},
		{TaintExternal, TaintOwner, TaintExternal},
	}
	for _, tt := range tests {
		if got := tt.a.Join(tt.b); got != tt.want {
			t.Errorf("%v.Join(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTaintExceeds(t *testing.T) {
	if TaintOwner.Exceeds(TaintOwner) {
		t.Error("owner should not exceed owner")
	}
	if !TaintExternal.Exceeds(TaintAuth) {
		t.Error("external should exceed auth")
	}
	if TaintExternal.Exceeds(TaintExternal) {
		t.Error("ceiling comparison must be strict")
	}
}

func TestTaintTracker(t *testing.T) {
	tr := NewTaintTracker()
	if tr.Current() != TaintOwner {
		t.Errorf("fresh tracker = %v, want owner", tr.Current())
	}
	tr.Record(TaintAuth)
	tr.Record(TaintOwner)
	if tr.Current() != TaintAuth {
		t.Errorf("after auth+owner = %v, want auth", tr.Current())
	}
	tr.Record(TaintExternal)
	if tr.Current() != TaintExternal {
		t.Errorf("after external = %v, want external", tr.Current())
	}
	tr.Reset()
	if tr.Current() != TaintOwner {
		t.Errorf("after reset = %v, want owner", tr.Current())
	}
}
