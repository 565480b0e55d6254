package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New().WithBase(Var{"HOME": "/root", "MODE": "base"})
	e.Set("MODE", "global")
	e.Set("DATA", "${HOME}/data")

	out := e.Merge(map[string]string{"MODE": "injected", "TOKEN": "s3cret"})

	assert.Equal(t, []string{
		"DATA=/root/data",
		"HOME=/root",
		"MODE=injected",
		"TOKEN=s3cret",
	}, out)
}

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "=nokey", "novalue", "B=x=y", "A=2"})
	assert.Equal(t, Var{"A": "2", "B": "x=y"}, m)
}

func TestKeysSorted(t *testing.T) {
	e := New().WithSet("ZED", "1").WithSet("ALPHA", "2")
	assert.Equal(t, []string{"ALPHA", "ZED"}, e.Keys())
}
