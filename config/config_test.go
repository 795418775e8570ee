package config

import (
	"testing"
)

func TestValues(t *testing.T) {
	cases := []struct {
		val  Value
		s    string
		fail bool
		want string
	}{
		{val: new(IntValue), s: "123", want: "123"},
		{val: new(IntValue), s: "0x10", want: "16"},
		{val: new(IntValue), s: "abc", fail: true},
		{val: new(BoolValue), s: "true", want: "true"},
		{val: new(BoolValue), s: "0", want: "false"},
		{val: new(BoolValue), s: "yes", fail: true},
		{val: new(StringValue), s: "testdata", want: "testdata"},
	}

	for _, c := range cases {
		err := c.val.Set(c.s)
		if c.fail {
			if err == nil {
				t.Errorf("Set(%q) did not fail", c.s)
			}
			continue
		}
		if err != nil {
			t.Errorf("Set(%q) failed with %s", c.s, err)
		} else if c.val.String() != c.want {
			t.Errorf("Set(%q) got %s want %s", c.s, c.val.String(), c.want)
		}
	}
}

func TestRegisterSet(t *testing.T) {
	iv := IntValue(10)
	Register("test-int", &iv)
	sv := StringValue("dflt")
	Register("test-string", &sv)

	err := Set("test-int", "32")
	if err != nil {
		t.Errorf("Set(test-int) failed with %s", err)
	}
	if iv.Get() != 32 {
		t.Errorf("test-int got %d want 32", iv.Get())
	}

	err = Set("no-such-param", "1")
	if err == nil {
		t.Error("Set(no-such-param) did not fail")
	}

	found := false
	List(
		func(param *Param) {
			if param.Name == "test-int" {
				found = true
				if param.By != ByFlag {
					t.Errorf("test-int set by %s; want flag", param.By)
				}
			}
		})
	if !found {
		t.Error("List() did not include test-int")
	}
}
