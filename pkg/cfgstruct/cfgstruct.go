// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags using
// `help` and `default` field tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Bind sets flags on a FlagSet that match the configuration struct fields.
// The struct must be passed by pointer. Nested structs become dot-separated
// flag prefixes, field names become hyphenated flag names.
func Bind(flags *pflag.FlagSet, config interface{}) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v, expected pointer to struct", config))
	}
	val := ptr.Elem()
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expected pointer to struct", config))
	}
	bindConfig(flags, "", val)
}

func bindConfig(flags *pflag.FlagSet, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldval := val.Field(i)
		flagname := prefix + hyphenate(snakeCase(field.Name))

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindConfig(flags, flagname+".", fieldval)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if help == "" {
			continue
		}

		fieldaddr := fieldval.Addr().Interface()
		check := func(err error) {
			if err != nil {
				panic(fmt.Sprintf("invalid default %q for flag %s: %v", def, flagname, err))
			}
		}

		switch field.Type {
		case reflect.TypeOf(time.Duration(0)):
			val, err := time.ParseDuration(def)
			check(err)
			flags.DurationVar(fieldaddr.(*time.Duration), flagname, val, help)
		case reflect.TypeOf(string("")):
			flags.StringVar(fieldaddr.(*string), flagname, def, help)
		case reflect.TypeOf(bool(false)):
			val, err := strconv.ParseBool(defOr(def, "false"))
			check(err)
			flags.BoolVar(fieldaddr.(*bool), flagname, val, help)
		case reflect.TypeOf(int(0)):
			val, err := strconv.ParseInt(defOr(def, "0"), 0, strconv.IntSize)
			check(err)
			flags.IntVar(fieldaddr.(*int), flagname, int(val), help)
		case reflect.TypeOf(int64(0)):
			val, err := strconv.ParseInt(defOr(def, "0"), 0, 64)
			check(err)
			flags.Int64Var(fieldaddr.(*int64), flagname, val, help)
		case reflect.TypeOf(uint64(0)):
			val, err := strconv.ParseUint(defOr(def, "0"), 0, 64)
			check(err)
			flags.Uint64Var(fieldaddr.(*uint64), flagname, val, help)
		case reflect.TypeOf(float64(0)):
			val, err := strconv.ParseFloat(defOr(def, "0"), 64)
			check(err)
			flags.Float64Var(fieldaddr.(*float64), flagname, val, help)
		default:
			panic(fmt.Sprintf("invalid field type %s for flag %s", field.Type, flagname))
		}
	}
}

func defOr(def, fallback string) string {
	if def == "" {
		return fallback
	}
	return def
}

// snakeCase converts CamelCase to snake_case.
func snakeCase(name string) string {
	var out []rune
	for i, r := range name {
		if i > 0 && 'A' <= r && r <= 'Z' {
			prev := rune(name[i-1])
			if 'a' <= prev && prev <= 'z' || '0' <= prev && prev <= '9' {
				out = append(out, '_')
			}
		}
		out = append(out, r)
	}
	return strings.ToLower(string(out))
}

func hyphenate(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}
