package access

import "testing"

func TestLevelOrdering(t *testing.T) {
	if !(Guest < Operator && Operator < Administrator && Administrator < Owner) {
		t.Fatal("levels are not strictly ordered")
	}
	if !Owner.AtLeast(Administrator) {
		t.Error("Owner should meet an Administrator floor")
	}
	if Guest.AtLeast(Operator) {
		t.Error("Guest should not meet an Operator floor")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"guest", Guest, false},
		{"Operator", Operator, false},
		{" admin ", Administrator, false},
		{"ADMINISTRATOR", Administrator, false},
		{"owner", Owner, false},
		{"god", Guest, true},
		{"", Guest, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err=%v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelTextRoundTrip(t *testing.T) {
	for l := Guest; l <= Owner; l++ {
		b, err := l.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got Level
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if got != l {
			t.Errorf("round trip %v -> %q -> %v", l, b, got)
		}
	}
	if Level(42).Valid() {
		t.Error("Level(42) should not be valid")
	}
}

func TestSystemCaller(t *testing.T) {
	c := System("seed")
	if c.Level != Owner {
		t.Errorf("system caller level = %v, want owner", c.Level)
	}
	if c.String() != "system:seed:owner" {
		t.Errorf("String() = %q", c.String())
	}
}
