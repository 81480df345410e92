// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct translates annotated config structs into flag sets.
package cfgstruct

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// FlagSet is an interface that matches *pflag.FlagSet.
type FlagSet interface {
	BoolVar(p *bool, name string, value bool, usage string)
	IntVar(p *int, name string, value int, usage string)
	Int64Var(p *int64, name string, value int64, usage string)
	UintVar(p *uint, name string, value uint, usage string)
	Uint64Var(p *uint64, name string, value uint64, usage string)
	DurationVar(p *time.Duration, name string, value time.Duration, usage string)
	Float64Var(p *float64, name string, value float64, usage string)
	StringVar(p *string, name string, value string, usage string)
	Var(val pflag.Value, name string, usage string)
}

type bindOpts struct {
	isDev bool
}

// BindOpt is an option for the Bind method.
type BindOpt func(*bindOpts)

// UseReleaseDefaults says to use release defaults for config structs.
func UseReleaseDefaults() BindOpt {
	return func(o *bindOpts) { o.isDev = false }
}

// UseDevDefaults says to use dev defaults for config structs.
func UseDevDefaults() BindOpt {
	return func(o *bindOpts) { o.isDev = true }
}

// Bind sets flags on a FlagSet that match the configuration struct
// 'config'. This works by traversing the config struct using the 'reflect'
// package. Field tags control the flag name ('help', 'default',
// 'releaseDefault', 'devDefault') and registration ('noflag', 'hidden',
// 'setup').
func Bind(flags FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v. Expecting pointer to struct.", config))
	}
	var o bindOpts
	for _, opt := range opts {
		opt(&o)
	}
	bindConfig(flags, "", ptr.Elem(), o)
}

func bindConfig(flags FlagSet, prefix string, val reflect.Value, o bindOpts) {
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v. Expecting struct.", val.Interface()))
	}
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldval := val.Field(i)
		flagname := prefix + hyphenate(field.Name)

		if field.Tag.Get("noflag") == "true" {
			continue
		}

		switch field.Type.Kind() {
		case reflect.Struct:
			if field.Anonymous {
				bindConfig(flags, prefix, fieldval, o)
			} else {
				bindConfig(flags, flagname+".", fieldval, o)
			}
		default:
			help := field.Tag.Get("help")
			def := field.Tag.Get("default")
			if o.isDev {
				if devDefault, ok := field.Tag.Lookup("devDefault"); ok {
					def = devDefault
				}
			} else {
				if releaseDefault, ok := field.Tag.Lookup("releaseDefault"); ok {
					def = releaseDefault
				}
			}

			fieldaddr := fieldval.Addr().Interface()
			check := func(err error) {
				if err != nil {
					panic(fmt.Sprintf("invalid default value for %s: %#v", flagname, def))
				}
			}
			switch field.Type {
			case reflect.TypeOf(int(0)):
				val, err := strconv.ParseInt(def, 0, strconv.IntSize)
				check(err)
				flags.IntVar(fieldaddr.(*int), flagname, int(val), help)
			case reflect.TypeOf(int64(0)):
				val, err := strconv.ParseInt(def, 0, 64)
				check(err)
				flags.Int64Var(fieldaddr.(*int64), flagname, val, help)
			case reflect.TypeOf(uint(0)):
				val, err := strconv.ParseUint(def, 0, strconv.IntSize)
				check(err)
				flags.UintVar(fieldaddr.(*uint), flagname, uint(val), help)
			case reflect.TypeOf(uint64(0)):
				val, err := strconv.ParseUint(def, 0, 64)
				check(err)
				flags.Uint64Var(fieldaddr.(*uint64), flagname, val, help)
			case reflect.TypeOf(time.Duration(0)):
				val, err := time.ParseDuration(def)
				check(err)
				flags.DurationVar(fieldaddr.(*time.Duration), flagname, val, help)
			case reflect.TypeOf(float64(0)):
				val, err := strconv.ParseFloat(def, 64)
				check(err)
				flags.Float64Var(fieldaddr.(*float64), flagname, val, help)
			case reflect.TypeOf(string("")):
				flags.StringVar(fieldaddr.(*string), flagname, def, help)
			case reflect.TypeOf(bool(false)):
				val, err := strconv.ParseBool(def)
				check(err)
				flags.BoolVar(fieldaddr.(*bool), flagname, val, help)
			default:
				if fieldvalue, ok := fieldaddr.(pflag.Value); ok {
					check(fieldvalue.Set(def))
					flags.Var(fieldvalue, flagname, help)
					break
				}
				panic(fmt.Sprintf("invalid field type: %s", field.Type.String()))
			}

			if field.Tag.Get("hidden") == "true" {
				setBoolAnnotation(flags, flagname, "hidden")
				markHidden(flags, flagname)
			}
			if field.Tag.Get("setup") == "true" {
				setBoolAnnotation(flags, flagname, "setup")
			}
		}
	}
}

var (
	hyphenateCaps  = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	hyphenateCamel = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

func hyphenate(val string) string {
	val = hyphenateCaps.ReplaceAllString(val, "$1-$2")
	val = hyphenateCamel.ReplaceAllString(val, "$1-$2")
	return strings.ToLower(strings.ReplaceAll(val, "_", "-"))
}

func setBoolAnnotation(flagset interface{}, name, key string) {
	flags, ok := flagset.(*pflag.FlagSet)
	if !ok {
		return
	}
	if err := flags.SetAnnotation(name, key, []string{"true"}); err != nil {
		panic(fmt.Sprintf("unable to set %s annotation for %s: %v", key, name, err))
	}
}

func markHidden(flagset interface{}, name string) {
	flags, ok := flagset.(*pflag.FlagSet)
	if !ok {
		return
	}
	if err := flags.MarkHidden(name); err != nil {
		panic(fmt.Sprintf("unable to mark %s hidden: %v", name, err))
	}
}
