// Package config holds the process' configuration parameters: typed values
// registered by name, settable from flags or from an HCL config file.
// Values set explicitly (by a flag) win over values from a config file.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type Value interface {
	Set(s string) error
	String() string
}

type By int

const (
	ByDefault By = iota
	ByConfig
	ByFlag
)

func (by By) String() string {
	switch by {
	case ByDefault:
		return "default"
	case ByConfig:
		return "config"
	case ByFlag:
		return "flag"
	}
	return fmt.Sprintf("By(%d)", int(by))
}

type Param struct {
	Name string
	Val  Value
	By   By
}

var (
	mutex  sync.Mutex
	params = map[string]*Param{}
)

// Register adds a named parameter; registering the same name twice is a
// programmer error.
func Register(name string, val Value) *Param {
	mutex.Lock()
	defer mutex.Unlock()

	name = strings.ToLower(name)
	if _, ok := params[name]; ok {
		panic(fmt.Sprintf("config: parameter %s registered twice", name))
	}
	param := &Param{
		Name: name,
		Val:  val,
	}
	params[name] = param
	return param
}

func lookup(name string) *Param {
	mutex.Lock()
	defer mutex.Unlock()

	return params[strings.ToLower(name)]
}

// Set sets a parameter explicitly; it always wins over the config file.
func Set(name, s string) error {
	param := lookup(name)
	if param == nil {
		return fmt.Errorf("config: %s is not a config parameter", name)
	}
	err := param.Val.Set(s)
	if err != nil {
		return fmt.Errorf("config: %s: %s", name, err)
	}
	param.By = ByFlag
	return nil
}

// List calls fn for every parameter, in name order.
func List(fn func(param *Param)) {
	mutex.Lock()
	list := make([]*Param, 0, len(params))
	for _, param := range params {
		list = append(list, param)
	}
	mutex.Unlock()

	sort.Slice(list,
		func(i, j int) bool {
			return list[i].Name < list[j].Name
		})
	for _, param := range list {
		fn(param)
	}
}

type IntValue int

func (iv *IntValue) Set(s string) error {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return fmt.Errorf("expected an integer; got %s", s)
	}
	*iv = IntValue(n)
	return nil
}

func (iv *IntValue) String() string {
	return strconv.FormatInt(int64(*iv), 10)
}

func (iv *IntValue) Get() int {
	return int(*iv)
}

type BoolValue bool

func (bv *BoolValue) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("expected a boolean; got %s", s)
	}
	*bv = BoolValue(b)
	return nil
}

func (bv *BoolValue) String() string {
	return strconv.FormatBool(bool(*bv))
}

func (bv *BoolValue) Get() bool {
	return bool(*bv)
}

type StringValue string

func (sv *StringValue) Set(s string) error {
	*sv = StringValue(s)
	return nil
}

func (sv *StringValue) String() string {
	return string(*sv)
}

func (sv *StringValue) Get() string {
	return string(*sv)
}
